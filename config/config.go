package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Remote    RemoteConfig
	Replica   ReplicaConfig
	Cache     CacheConfig
	Auth      AuthConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

// RemoteConfig describes the single upstream database connection the
// gateway owns on behalf of all of its clients.
type RemoteConfig struct {
	URL              string
	Namespace        string
	Database         string
	HandshakeTimeout int // Seconds
	RequestTimeout   int // Seconds
	ReconnectBase    int // Milliseconds, doubled per attempt
	MaxReconnects    int
}

type ReplicaConfig struct {
	Path string
}

type CacheConfig struct {
	Tables          []string
	DefaultTTL      int    // Seconds
	DefaultType     string // "persistent" or "temporary"
	RefreshInterval int    // Seconds, temporary-table re-warm sweep
}

type AuthConfig struct {
	Enabled         bool
	JWTSecret       string
	TokenQueryParam string
	ExpiryMargin    int    // Seconds, tokens inside the margin are treated as expired
	TokenStore      string // "memory" or "redis"
}

type BrokerConfig struct {
	Type  string // "none", "redis" or "kafka"
	Redis RedisConfig
	Kafka KafkaConfig
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	PingInterval     int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("DATAGATE")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			// A missing file is fine; defaults plus env vars carry a dev setup.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
