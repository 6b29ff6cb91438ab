package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MainListActivity/cuckoox-google-sub014/broker"
	"github.com/MainListActivity/cuckoox-google-sub014/config"
	"github.com/MainListActivity/cuckoox-google-sub014/metrics"
	"github.com/MainListActivity/cuckoox-google-sub014/router"
)

// LiveEventsChannel carries live updates between gateway instances.
const LiveEventsChannel = "live-events"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler owns the client-facing websocket surface. Every client request
// is dispatched on its kind; reads are routed between the local replica
// and the remote database, writes always go remote.
type Handler struct {
	serverID string
	manager  *ClientManager
	upstream *Upstream
	exec     *router.Executor
	tokens   *TokenManager
	identity *Identity
	broker   broker.MessageBroker

	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig

	mu         sync.Mutex
	clientSubs map[string]map[string]struct{} // clientID -> subscription ids held
	listeners  map[string]*liveFanout         // subscription id -> shared listener
}

// liveFanout is the single upstream listener for one subscription id,
// reference-counted by the clients holding the subscription.
type liveFanout struct {
	token int
	refs  int
}

// NewHandler wires the handler. The broker may be nil when the gateway
// runs as a single instance.
func NewHandler(serverID string, manager *ClientManager, up *Upstream, exec *router.Executor,
	tm *TokenManager, identity *Identity, b broker.MessageBroker,
	validator *JWTValidator, authCfg *config.AuthConfig, wsCfg *config.WebSocketConfig) *Handler {
	return &Handler{
		serverID:     serverID,
		manager:      manager,
		upstream:     up,
		exec:         exec,
		tokens:       tm,
		identity:     identity,
		broker:       b,
		jwtValidator: validator,
		authConfig:   authCfg,
		wsConfig:     wsCfg,
		clientSubs:   make(map[string]map[string]struct{}),
		listeners:    make(map[string]*liveFanout),
	}
}

// HandleWebSocket upgrades the connection, optionally authenticates it,
// and serves the client's request stream until it disconnects.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *CustomClaims
	var err error

	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			log.Printf("Auth Error: Auth is enabled but JWT validator is not initialized.")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			log.Printf("Auth Error: Missing token in request from %s", r.RemoteAddr)
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err = h.jwtValidator.ValidateToken(tokenString)
		if err != nil {
			log.Printf("Auth Error: Invalid token from %s. Reason: %v", r.RemoteAddr, err)
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		log.Printf("Client authenticated successfully. Subject: %s", claims.Subject)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	var clientID string
	if claims != nil && claims.Subject != "" {
		clientID = claims.Subject
	} else {
		clientID = uuid.New().String()
	}

	session := NewClientSession(clientID, conn, h.wsConfig, claims)
	session.StartTimers()

	h.manager.Register(session)
	defer h.dropClient(clientID)
	conn.SetPongHandler(session.GetPongHandler())

	// Tell the new client where the upstream stands right now.
	if err := session.Send(statusEvent(h.upstream.Connected(), nil)); err != nil {
		log.Printf("Failed to send initial status to client %s: %v", clientID, err)
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from client %s: %v", clientID, err)
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			break
		}
		metrics.MessagesReceived.Inc()
		session.UpdateActivity()

		var req ClientRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			session.Send(errorEvent("", fmt.Errorf("malformed request: %w", err)))
			continue
		}

		h.manager.IncreaseWaitGroup()
		go func() {
			defer h.manager.DecreaseWaitGroup()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			h.dispatch(ctx, session, &req)
		}()
	}
}

// dispatch handles exactly one client request. Replies always carry the
// request's correlation id.
func (h *Handler) dispatch(ctx context.Context, session *ClientSession, req *ClientRequest) {
	switch req.Kind {
	case KindQuery:
		h.handleQuery(ctx, session, req)
	case KindMutate:
		h.handleMutate(ctx, session, req)
	case KindLive:
		h.handleLive(ctx, session, req)
	case KindSubscribeLive:
		h.handleSubscribeLive(session, req)
	case KindUnsubscribeLive:
		h.handleUnsubscribeLive(session, req)
	case KindKill:
		h.handleKill(ctx, session, req)
	case KindSetTokens:
		h.handleSetTokens(ctx, session, req)
	case KindClearTokens:
		h.handleClearTokens(ctx, session, req)
	case KindGetTokens:
		h.handleGetTokens(ctx, session, req)
	case KindSetTenant:
		h.identity.SetTenantCode(req.TenantCode)
		h.reply(session, resultEvent(req.ID, true))
	case KindGetTenant:
		h.reply(session, resultEvent(req.ID, h.identity.TenantCode()))
	case KindSetUser:
		h.identity.SetCurrentUser(req.User)
		h.reply(session, resultEvent(req.ID, true))
	case KindGetUser:
		h.reply(session, resultEvent(req.ID, h.identity.CurrentUser()))
	case KindPing:
		h.reply(session, &ServerEvent{Kind: EventPong, ID: req.ID})
	default:
		h.reply(session, errorEvent(req.ID, fmt.Errorf("unknown request kind %q", req.Kind)))
	}
}

func (h *Handler) reply(session *ClientSession, event *ServerEvent) {
	if err := session.Send(event); err != nil {
		log.Printf("Failed to send reply to client %s: %v", session.ID(), err)
		return
	}
	metrics.MessagesSent.Inc()
}

// handleQuery routes a read between the replica and the remote database.
func (h *Handler) handleQuery(ctx context.Context, session *ClientSession, req *ClientRequest) {
	result, decision, err := h.exec.Query(ctx, req.SQL, req.Vars)
	if err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}

	ev := resultEvent(req.ID, result)
	ev.Strategy = string(decision.Strategy)
	h.reply(session, ev)
}

// handleMutate forwards a write to the remote authority. The replica is
// never written directly; cached tables catch up through live events.
func (h *Handler) handleMutate(ctx context.Context, session *ClientSession, req *ClientRequest) {
	for _, table := range router.Analyze(req.SQL).Tables {
		if !session.CanWrite(table) {
			log.Printf("Authorization DENIED for client %s: write on table %s", session.ID(), table)
			h.reply(session, errorEvent(req.ID, fmt.Errorf("write on table %s not allowed", table)))
			return
		}
	}

	result, decision, err := h.exec.Mutate(ctx, req.SQL, req.Vars)
	if err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}

	ev := resultEvent(req.ID, result)
	ev.Strategy = string(decision.Strategy)
	h.reply(session, ev)
}

// handleLive opens a live subscription on behalf of the client. Updates
// are broadcast to every connected client, not only the opener.
func (h *Handler) handleLive(ctx context.Context, session *ClientSession, req *ClientRequest) {
	id, err := h.upstream.LiveQuery(ctx, req.SQL)
	if err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}

	h.attach(session.ID(), id)
	ev := resultEvent(req.ID, id)
	ev.SubscriptionID = id
	h.reply(session, ev)
}

// handleSubscribeLive attaches the client to a subscription opened by
// another client or by the cache warmer.
func (h *Handler) handleSubscribeLive(session *ClientSession, req *ClientRequest) {
	if req.SubscriptionID == "" {
		h.reply(session, errorEvent(req.ID, errors.New("subscribe_live requires a subscription_id")))
		return
	}
	h.attach(session.ID(), req.SubscriptionID)
	h.reply(session, resultEvent(req.ID, true))
}

// handleUnsubscribeLive detaches this client's listener without killing
// the subscription, which other clients or the warmer may still hold.
func (h *Handler) handleUnsubscribeLive(session *ClientSession, req *ClientRequest) {
	if req.SubscriptionID == "" {
		h.reply(session, errorEvent(req.ID, errors.New("unsubscribe_live requires a subscription_id")))
		return
	}
	h.detach(session.ID(), req.SubscriptionID)
	h.reply(session, resultEvent(req.ID, true))
}

func (h *Handler) handleKill(ctx context.Context, session *ClientSession, req *ClientRequest) {
	if req.SubscriptionID == "" {
		h.reply(session, errorEvent(req.ID, errors.New("kill requires a subscription_id")))
		return
	}
	h.detach(session.ID(), req.SubscriptionID)
	if err := h.upstream.Kill(ctx, req.SubscriptionID); err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}
	h.reply(session, resultEvent(req.ID, true))
}

// handleSetTokens stores a token set and presents it on the upstream
// connection so subsequent statements run under the new session.
func (h *Handler) handleSetTokens(ctx context.Context, session *ClientSession, req *ClientRequest) {
	if req.AccessToken == "" {
		h.reply(session, errorEvent(req.ID, errors.New("set_tokens requires an access_token")))
		return
	}
	expiresIn := time.Duration(req.ExpiresIn) * time.Second
	if err := h.tokens.SetTokens(ctx, req.AccessToken, req.RefreshToken, expiresIn); err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}
	if h.upstream.Connected() {
		if err := h.upstream.Authenticate(ctx, req.AccessToken); err != nil {
			log.Printf("Authenticate after set_tokens failed: %v", err)
		}
	}
	h.reply(session, resultEvent(req.ID, true))
}

// handleClearTokens drops the stored token set and invalidates the
// upstream session. Token clearing succeeds even when the upstream
// invalidate cannot be delivered.
func (h *Handler) handleClearTokens(ctx context.Context, session *ClientSession, req *ClientRequest) {
	if err := h.tokens.ClearTokens(ctx); err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}
	if h.upstream.Connected() {
		if err := h.upstream.Invalidate(ctx); err != nil {
			log.Printf("Invalidate after clear_tokens failed: %v", err)
		}
	}
	h.reply(session, resultEvent(req.ID, true))
}

func (h *Handler) handleGetTokens(ctx context.Context, session *ClientSession, req *ClientRequest) {
	t, err := h.tokens.GetTokens(ctx)
	if err != nil {
		h.reply(session, errorEvent(req.ID, err))
		return
	}
	if t == nil {
		h.reply(session, resultEvent(req.ID, nil))
		return
	}
	h.reply(session, resultEvent(req.ID, map[string]any{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"expires_at":    t.ExpiresAt.Unix(),
	}))
}

// attach records that a client holds a subscription and makes sure one
// shared upstream listener exists for it. The listener broadcasts to the
// whole client set, so attaching mostly tracks who keeps it alive.
func (h *Handler) attach(clientID, subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientSubs[clientID] == nil {
		h.clientSubs[clientID] = make(map[string]struct{})
	}
	if _, held := h.clientSubs[clientID][subscriptionID]; held {
		return
	}
	h.clientSubs[clientID][subscriptionID] = struct{}{}

	if f, ok := h.listeners[subscriptionID]; ok {
		f.refs++
		return
	}
	token := h.upstream.SubscribeLive(subscriptionID, func(action string, result any) {
		h.fanOut(subscriptionID, action, result)
	})
	h.listeners[subscriptionID] = &liveFanout{token: token, refs: 1}
}

// fanOut delivers one live update to every registered client and to
// sibling instances. Which subscriptions a client cares about is the
// client's concern; the gateway broadcasts every update it receives.
func (h *Handler) fanOut(subscriptionID, action string, result any) {
	h.manager.Broadcast(&ServerEvent{
		Kind:           EventLiveUpdate,
		SubscriptionID: subscriptionID,
		Action:         action,
		Result:         result,
	})
	h.publishLiveEvent(subscriptionID, action, result)
}

func (h *Handler) detach(clientID, subscriptionID string) {
	h.mu.Lock()
	_, held := h.clientSubs[clientID][subscriptionID]
	if held {
		delete(h.clientSubs[clientID], subscriptionID)
	}
	token, release := h.releaseLocked(subscriptionID, held)
	h.mu.Unlock()
	if release {
		h.upstream.UnsubscribeLive(subscriptionID, token)
	}
}

// releaseLocked drops one reference on a shared listener and reports
// whether the caller should unwind the upstream registration. h.mu held.
func (h *Handler) releaseLocked(subscriptionID string, held bool) (int, bool) {
	if !held {
		return 0, false
	}
	f, ok := h.listeners[subscriptionID]
	if !ok {
		return 0, false
	}
	f.refs--
	if f.refs > 0 {
		return 0, false
	}
	delete(h.listeners, subscriptionID)
	return f.token, true
}

// dropClient unwinds everything a disconnecting client left behind.
func (h *Handler) dropClient(clientID string) {
	h.mu.Lock()
	attached := h.clientSubs[clientID]
	delete(h.clientSubs, clientID)
	type pending struct {
		id    string
		token int
	}
	var toRelease []pending
	for subscriptionID := range attached {
		if token, release := h.releaseLocked(subscriptionID, true); release {
			toRelease = append(toRelease, pending{id: subscriptionID, token: token})
		}
	}
	h.mu.Unlock()

	for _, p := range toRelease {
		h.upstream.UnsubscribeLive(p.id, p.token)
	}
	h.manager.Unregister(clientID)
}

// publishLiveEvent forwards a live update to sibling gateway instances.
func (h *Handler) publishLiveEvent(subscriptionID, action string, result any) {
	if h.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.broker.Publish(ctx, LiveEventsChannel, broker.Message{
		ServerID:       h.serverID,
		SubscriptionID: subscriptionID,
		Action:         action,
		Result:         result,
	}); err != nil {
		log.Printf("Failed to publish live event for %s: %v", subscriptionID, err)
		return
	}
	metrics.BrokerMessagesPublished.WithLabelValues(h.broker.Type()).Inc()
}

// ListenForLiveEvents fans live updates published by sibling instances
// out to this instance's clients. Events this instance published itself
// are skipped; local clients already got them directly.
func (h *Handler) ListenForLiveEvents(ctx context.Context) {
	if h.broker == nil {
		return
	}
	messageChan, err := h.broker.Subscribe(ctx, LiveEventsChannel)
	if err != nil {
		log.Printf("Failed to subscribe to %s: %v", LiveEventsChannel, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messageChan:
			if !ok {
				log.Println("Live events channel closed")
				return
			}
			if message.ServerID == h.serverID {
				continue
			}
			h.manager.Broadcast(&ServerEvent{
				Kind:           EventLiveUpdate,
				SubscriptionID: message.SubscriptionID,
				Action:         message.Action,
				Result:         message.Result,
			})
			metrics.LiveEventsFanned.Inc()
		}
	}
}
