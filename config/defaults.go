package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Remote database
	viper.SetDefault("remote.url", "ws://localhost:8000/rpc")
	viper.SetDefault("remote.namespace", "app")
	viper.SetDefault("remote.database", "main")
	viper.SetDefault("remote.handshakeTimeout", 10)
	viper.SetDefault("remote.requestTimeout", 30)
	viper.SetDefault("remote.reconnectBase", 1000)
	viper.SetDefault("remote.maxReconnects", 5)

	// Local replica
	viper.SetDefault("replica.path", "datagate.db")

	// Cache
	viper.SetDefault("cache.tables", []string{})
	viper.SetDefault("cache.defaultTTL", 300)
	viper.SetDefault("cache.defaultType", "temporary")
	viper.SetDefault("cache.refreshInterval", 60)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for security
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.expiryMargin", 60)
	viper.SetDefault("auth.tokenStore", "memory")

	// Broker
	viper.SetDefault("broker.type", "none")
	viper.SetDefault("broker.redis.address", "localhost:6379")
	viper.SetDefault("broker.redis.db", 0)
	viper.SetDefault("broker.redis.poolSize", 100)
	viper.SetDefault("broker.redis.poolTimeout", 5)
	viper.SetDefault("broker.kafka.topic", "live-events")

	// WebSocket
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 65536)
	viper.SetDefault("websocket.pingInterval", 25)
	viper.SetDefault("websocket.activityTimeout", 60)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.keepAlive", true)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
