package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the ticktalk backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Session    SessionConfig    `mapstructure:"session"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// StoreConfig selects where session documents live.
type StoreConfig struct {
	// Driver is memory or database.
	Driver       string        `mapstructure:"driver"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TLS       bool          `mapstructure:"tls"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// SessionConfig holds the meeting rules.
type SessionConfig struct {
	DefaultSlotSeconds     int    `mapstructure:"default_slot_seconds"`
	MinSlotSeconds         int    `mapstructure:"min_slot_seconds"`
	MaxSlotSeconds         int    `mapstructure:"max_slot_seconds"`
	MinParticipantsToStart int    `mapstructure:"min_participants_to_start"`
	SpeakerOverwrite       string `mapstructure:"speaker_overwrite"`
}

// PresenceConfig tunes liveness leases and the sweeper.
type PresenceConfig struct {
	LeaseTTL              time.Duration `mapstructure:"lease_ttl"`
	SweepSchedule         string        `mapstructure:"sweep_schedule"`
	SweepEnabled          bool          `mapstructure:"sweep_enabled"`
	PreferOnlineSuccessor bool          `mapstructure:"prefer_online_successor"`
}

// AuthConfig captures identity token settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// MonitoringConfig enables metrics and tracing.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// TracingConfig configures the OTLP/HTTP span exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RateLimitConfig bounds requests per caller and route.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("TICKTALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("store.driver", "database")
	v.SetDefault("store.max_retries", 16)
	v.SetDefault("store.retry_backoff", "5ms")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/ticktalk.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "ticktalk:")

	v.SetDefault("session.default_slot_seconds", 120)
	v.SetDefault("session.min_slot_seconds", 1)
	v.SetDefault("session.max_slot_seconds", 3600)
	v.SetDefault("session.min_participants_to_start", 2)
	v.SetDefault("session.speaker_overwrite", "overwrite")

	v.SetDefault("presence.lease_ttl", "30s")
	v.SetDefault("presence.sweep_schedule", "@every 10s")
	v.SetDefault("presence.sweep_enabled", true)
	v.SetDefault("presence.prefer_online_successor", false)

	v.SetDefault("auth.jwt.issuer", "ticktalk")
	v.SetDefault("auth.jwt.access_token_ttl", "24h")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.tracing.enabled", false)
	v.SetDefault("monitoring.tracing.endpoint", "localhost:4318")
	v.SetDefault("monitoring.tracing.insecure", true)
	v.SetDefault("monitoring.tracing.service_name", "ticktalk")
	v.SetDefault("monitoring.tracing.sample_ratio", 1.0)

	v.SetDefault("ratelimit.requests", 120)
	v.SetDefault("ratelimit.window", "1m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
