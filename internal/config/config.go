// Package config loads runtime settings from defaults, an optional config
// file, a .env file and CHATVERSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "CHATVERSE"

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// HeartbeatConfig controls pings and the idle window after which a silent
// connection is dropped.
type HeartbeatConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PresenceConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type AsyncConfig struct {
	Workers int `mapstructure:"workers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config holds every runtime setting. It is loaded once and passed down.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Async     AsyncConfig     `mapstructure:"async"`
	Log       LogConfig       `mapstructure:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            ":8080",
			AllowedOrigins:  []string{"http://localhost:8080"},
			MaxMessageSize:  4096,
			ShutdownTimeout: 10 * time.Second,
			SendBuffer:      256,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:    25 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Auth: AuthConfig{
			AllowAnonymous: true,
		},
		Store: StoreConfig{
			Driver:        "memory",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "chatverse",
			Timeout:       5 * time.Second,
		},
		Presence: PresenceConfig{
			TTL: 24 * time.Hour,
		},
		Async: AsyncConfig{Workers: 16},
		Log:   LogConfig{Level: "info", Pretty: true},
	}
}

// SetDefaults registers every key so environment variables are picked up by
// Unmarshal even without a config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.max_message_size", d.Server.MaxMessageSize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.send_buffer", d.Server.SendBuffer)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval)
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.idle_timeout", d.Heartbeat.IdleTimeout)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.allow_anonymous", d.Auth.AllowAnonymous)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.mongo_uri", d.Store.MongoURI)
	v.SetDefault("store.mongo_database", d.Store.MongoDatabase)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("presence.redis_addr", d.Presence.RedisAddr)
	v.SetDefault("presence.redis_password", d.Presence.RedisPassword)
	v.SetDefault("presence.redis_db", d.Presence.RedisDB)
	v.SetDefault("presence.ttl", d.Presence.TTL)
	v.SetDefault("async.workers", d.Async.Workers)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Load reads configuration into v. configFile overrides the search for
// chatverse.yaml in the working directory and /etc/chatverse.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("chatverse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chatverse")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("config: server.max_message_size must be positive, got %d", c.Server.MaxMessageSize)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("config: server.send_buffer must be positive, got %d", c.Server.SendBuffer)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("config: server.shutdown_timeout must be positive")
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.RefillInterval <= 0 {
		return errors.New("config: rate_limit.burst and rate_limit.refill_interval must be positive")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.IdleTimeout <= 0 {
		return errors.New("config: heartbeat.interval and heartbeat.idle_timeout must be positive")
	}
	if c.Heartbeat.Interval >= c.Heartbeat.IdleTimeout {
		return fmt.Errorf("config: heartbeat.interval (%s) must be shorter than heartbeat.idle_timeout (%s)",
			c.Heartbeat.Interval, c.Heartbeat.IdleTimeout)
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return errors.New("config: auth.jwt_secret is required when auth.allow_anonymous is false")
	}

	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("config: store.mongo_uri is required for the mongo driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return errors.New("config: store.timeout must be positive")
	}
	if c.Async.Workers <= 0 {
		return fmt.Errorf("config: async.workers must be positive, got %d", c.Async.Workers)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated string.
func splitOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
