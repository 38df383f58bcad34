// Package config loads the event plane's runtime configuration with
// viper, following go-server-3/internal/config: typed sections,
// defaults set in code, overridable by environment variables and an
// optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option named in spec §6 plus the ambient
// connection/server/logging/metrics settings needed to run the
// gateway as a process.
type Config struct {
	Environment string `mapstructure:"environment"` // "production", "development", ...

	Event    EventConfig    `mapstructure:"event"`
	Store    StoreConfig    `mapstructure:"store"`
	ACL      ACLConfig      `mapstructure:"acl"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// EventConfig is the event plane's own option set (spec §6).
type EventConfig struct {
	Prefix                 string        `mapstructure:"prefix"`
	MaxTopicBufferSize     int64         `mapstructure:"max_topic_buffer_size"`
	MaxSubscriberQueueSize int64         `mapstructure:"max_subscriber_queue_size"`
	SlowClientThreshold    time.Duration `mapstructure:"slow_client_threshold"`
	DurabilityEnabled      bool          `mapstructure:"durability_enabled"`
	MaxPayloadBytes        int           `mapstructure:"max_payload_bytes"`
	RateLimitWindow        time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMaxRequests   int64         `mapstructure:"rate_limit_max_requests"`
	ReaperInterval         time.Duration `mapstructure:"reaper_interval"`
}

// StoreConfig configures the Redis-compatible shared store connection.
type StoreConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ACLConfig configures component C5's decision cache. Its
// fail-open/fail-closed policy follows Environment, not this section.
type ACLConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ServerConfig is the demo transport's listener configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// AuthConfig controls the demo transport's dev-only JWT helper.
type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	AllowAuthDisabled bool  `mapstructure:"allow_auth_disabled"`
}

// Load reads configuration from environment variables (prefixed
// ODIN_) and an optional gateway.yaml / gateway.env file in the
// working directory or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")

	v.SetDefault("event.prefix", "rt")
	v.SetDefault("event.max_topic_buffer_size", 1000)
	v.SetDefault("event.max_subscriber_queue_size", 100)
	v.SetDefault("event.slow_client_threshold", 5*time.Second)
	v.SetDefault("event.durability_enabled", false)
	v.SetDefault("event.max_payload_bytes", 65536)
	v.SetDefault("event.rate_limit_window", 60*time.Second)
	v.SetDefault("event.rate_limit_max_requests", 100)
	v.SetDefault("event.reaper_interval", 30*time.Second)

	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.dial_timeout", 5*time.Second)
	v.SetDefault("store.call_timeout", 2*time.Second)

	v.SetDefault("acl.cache_ttl", 30*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("auth.jwt_secret", "development-only-secret-change-me")
	v.SetDefault("auth.allow_auth_disabled", false)

	v.SetConfigName("gateway")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ODIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces spec §6's hard startup requirement (testable
// property #7): allow_auth_disabled must never be true in production.
func (c Config) Validate() error {
	if c.Auth.AllowAuthDisabled && c.Environment == "production" {
		return fmt.Errorf("config: auth.allow_auth_disabled is not permitted when environment=production")
	}
	return nil
}
