package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/MainListActivity/cuckoox-google-sub014/broker"
	"github.com/MainListActivity/cuckoox-google-sub014/cache"
	"github.com/MainListActivity/cuckoox-google-sub014/config"
	"github.com/MainListActivity/cuckoox-google-sub014/engine"
	"github.com/MainListActivity/cuckoox-google-sub014/metrics"
	"github.com/MainListActivity/cuckoox-google-sub014/proxy"
	"github.com/MainListActivity/cuckoox-google-sub014/router"
	"github.com/MainListActivity/cuckoox-google-sub014/services"
	"github.com/MainListActivity/cuckoox-google-sub014/tokens"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	serverID := uuid.New().String()
	log.Printf("Starting gateway instance with ID: %s", serverID)

	// Local replica and cache metadata share one SQLite database file.
	db, err := engine.OpenReplica(cfg.Replica.Path)
	if err != nil {
		log.Fatalf("Failed to open replica database: %v", err)
	}
	defer db.Close()

	metadataStore, err := cache.NewStore(db)
	if err != nil {
		log.Fatalf("Failed to initialize cache metadata store: %v", err)
	}

	replicaBackend := engine.NewSQLiteBackend(db)
	local := engine.New(replicaBackend)
	if err := <-local.Open(engine.ConnectParams{Namespace: cfg.Remote.Namespace, Database: cfg.Remote.Database}); err != nil {
		log.Fatalf("Failed to open replica engine: %v", err)
	}
	defer local.Close()

	// An optional Redis client backs the token store and the broker.
	var redisClient *redis.Client
	needsRedis := strings.ToLower(cfg.Broker.Type) == "redis" || strings.ToLower(cfg.Auth.TokenStore) == "redis"
	if needsRedis {
		redisClient, err = services.NewRedisClient(cfg.Broker.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer services.CloseRedisClient(redisClient)
	}

	var tokenStore tokens.Store
	if strings.ToLower(cfg.Auth.TokenStore) == "redis" {
		tokenStore = tokens.NewRedisStore(redisClient)
		log.Println("Token store: redis")
	} else {
		tokenStore = tokens.NewMemoryStore()
		log.Println("Token store: memory")
	}
	tokenManager := proxy.NewTokenManager(tokenStore, time.Duration(cfg.Auth.ExpiryMargin)*time.Second)

	// --- Dynamic Broker Initialization ---
	var messageBroker broker.MessageBroker
	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "none", "":
		log.Println("Running without a message broker; live events stay on this instance.")
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID)
		if err != nil {
			log.Fatalf("Failed to create Kafka broker: %v", err)
		}
	default:
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	if messageBroker != nil {
		defer messageBroker.Close()
	}
	// --- End of Broker Initialization ---

	var jwtValidator *proxy.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = proxy.NewJWTValidator(&cfg.Auth)
		log.Println("JWT Authentication is ENABLED.")
	} else {
		log.Println("JWT Authentication is DISABLED.")
	}

	upstream := proxy.NewUpstream(cfg.Remote, tokenManager)
	queryRouter := router.New(metadataStore, upstream)
	executor := router.NewExecutor(queryRouter, local, upstream)

	warmer, err := cache.NewWarmer(metadataStore, upstream, replicaBackend, cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to create cache warmer: %v", err)
	}

	clientManager := proxy.NewClientManager()
	identity := proxy.NewIdentity()
	handler := proxy.NewHandler(serverID, clientManager, upstream, executor,
		tokenManager, identity, messageBroker, jwtValidator, &cfg.Auth, &cfg.WebSocket)

	upstream.OnStatusChange = func(connected bool) {
		clientManager.BroadcastStatus(connected)
	}
	upstream.OnSessionExpired = func() {
		clientManager.BroadcastSessionExpired()
	}
	upstream.OnReconnected = func(ctx context.Context) {
		warmer.WarmAll(ctx)
	}
	upstream.OnDisconnect = func(ctx context.Context) {
		warmer.OnDisconnect(ctx)
	}

	upstream.Start(ctx)
	defer upstream.Close()

	// Per-table warm failures are logged, not fatal; a table that could
	// not be warmed simply routes remote until the next attempt.
	if err := warmer.Start(ctx); err != nil {
		log.Fatalf("Failed to start cache warmer: %v", err)
	}
	defer warmer.Stop(context.Background())

	go handler.ListenForLiveEvents(ctx)

	if cfg.Metrics.Enabled {
		go metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:        port,
		Handler:     mux,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	go func() {
		log.Println("Data gateway started on " + port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	clientManager.CloseAll("Server shutting down")
	clientManager.WaitForCompletion()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
