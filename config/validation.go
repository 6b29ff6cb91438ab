package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Remote.URL == "" {
		return errors.New("remote.url must be specified")
	}
	if !strings.HasPrefix(c.Remote.URL, "ws://") && !strings.HasPrefix(c.Remote.URL, "wss://") {
		return fmt.Errorf("remote.url must be a ws:// or wss:// endpoint, got %q", c.Remote.URL)
	}
	if c.Remote.MaxReconnects < 1 {
		return errors.New("remote.maxReconnects must be at least 1")
	}
	if c.Remote.ReconnectBase < 1 {
		return errors.New("remote.reconnectBase must be positive")
	}

	if c.Replica.Path == "" {
		return errors.New("replica.path must be specified")
	}

	switch strings.ToLower(c.Cache.DefaultType) {
	case "persistent", "temporary":
	default:
		return fmt.Errorf("invalid cache.defaultType: %s. Must be 'persistent' or 'temporary'", c.Cache.DefaultType)
	}
	if c.Cache.DefaultTTL < 1 {
		return errors.New("cache.defaultTTL must be positive")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}
	if c.Auth.ExpiryMargin < 0 {
		return errors.New("auth.expiryMargin must not be negative")
	}
	switch strings.ToLower(c.Auth.TokenStore) {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid auth.tokenStore: %s. Must be 'memory' or 'redis'", c.Auth.TokenStore)
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "none":
	case "redis":
		if c.Broker.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "DATAGATE_PORT")

	// Remote
	viper.BindEnv("remote.url", "DATAGATE_REMOTE_URL")
	viper.BindEnv("remote.namespace", "DATAGATE_REMOTE_NAMESPACE")
	viper.BindEnv("remote.database", "DATAGATE_REMOTE_DATABASE")
	viper.BindEnv("remote.maxReconnects", "DATAGATE_MAX_RECONNECTS")
	viper.BindEnv("remote.reconnectBase", "DATAGATE_RECONNECT_BASE")

	// Replica
	viper.BindEnv("replica.path", "DATAGATE_REPLICA_PATH")

	// Auth
	viper.BindEnv("auth.enabled", "DATAGATE_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "DATAGATE_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "DATAGATE_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.tokenStore", "DATAGATE_AUTH_TOKEN_STORE")

	// Broker
	viper.BindEnv("broker.type", "DATAGATE_BROKER_TYPE")
	viper.BindEnv("broker.redis.address", "DATAGATE_REDIS_ADDRESS")
	viper.BindEnv("broker.redis.password", "DATAGATE_REDIS_PASSWORD")
	viper.BindEnv("broker.kafka.brokers", "DATAGATE_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "DATAGATE_KAFKA_GROUPID")
	viper.BindEnv("broker.kafka.topic", "DATAGATE_KAFKA_TOPIC")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "DATAGATE_MAX_CONNECTIONS")
	viper.BindEnv("websocket.pingInterval", "DATAGATE_PING_INTERVAL")
	viper.BindEnv("websocket.activityTimeout", "DATAGATE_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "DATAGATE_WRITE_TIMEOUT")
}
