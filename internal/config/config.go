// Package config defines the runtime settings of the chat server: listener
// and security limits, heartbeat cadence, token verification, the document
// store backend, logging and metrics.
//
// Settings are layered by Load: struct defaults, then an optional YAML file,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store drivers accepted by StoreConfig.Driver.
const (
	StoreDriverMemory = "memory"
	StoreDriverMongo  = "mongo"
	StoreDriverBadger = "badger"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Auth      AuthConfig      `koanf:"auth"`
	Store     StoreConfig     `koanf:"store"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	HTTP      HTTPConfig      `koanf:"http"`
}

// ServerConfig holds listener settings and transport limits.
type ServerConfig struct {
	Port            string        `koanf:"port"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	MaxMessageSize  int64         `koanf:"max_message_size"`
	SendBuffer      int           `koanf:"send_buffer"`
	InboundBuffer   int           `koanf:"inbound_buffer"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `koanf:"burst"`
	RefillInterval time.Duration `koanf:"refill_interval"`
}

// HeartbeatConfig is the ping cadence and the pong grace period after each ping.
type HeartbeatConfig struct {
	PingInterval time.Duration `koanf:"ping_interval"`
	GracePeriod  time.Duration `koanf:"grace_period"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret   string        `koanf:"jwt_secret"`
	TokenExpiry time.Duration `koanf:"token_expiry"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Driver        string        `koanf:"driver"`
	MongoURI      string        `koanf:"mongo_uri"`
	MongoDatabase string        `koanf:"mongo_database"`
	MongoTimeout  time.Duration `koanf:"mongo_timeout"`
	BadgerPath    string        `koanf:"badger_path"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// HTTPConfig applies to the REST routes.
type HTTPConfig struct {
	CORSOrigins        []string `koanf:"cors_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize:  64 * 1024,
			SendBuffer:      256,
			InboundBuffer:   64,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: 5 * time.Second,
			GracePeriod:  time.Second,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Store: StoreConfig{
			Driver:        StoreDriverMemory,
			MongoDatabase: "chat-echo",
			MongoTimeout:  10 * time.Second,
			BadgerPath:    "data/chatecho",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		HTTP: HTTPConfig{
			CORSOrigins:        []string{"*"},
			RateLimitPerMinute: 600,
		},
	}
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return defaultConfig()
}

// Sanitize replaces zero or negative limits with their defaults. It never
// fails; invalid combinations are reported by Validate.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = def.Server.SendBuffer
	}
	if c.Server.InboundBuffer <= 0 {
		c.Server.InboundBuffer = def.Server.InboundBuffer
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Heartbeat.PingInterval <= 0 {
		c.Heartbeat.PingInterval = def.Heartbeat.PingInterval
	}
	if c.Heartbeat.GracePeriod <= 0 {
		c.Heartbeat.GracePeriod = def.Heartbeat.GracePeriod
	}
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	c.Server.AllowedOrigins = trimAll(c.Server.AllowedOrigins)
	c.HTTP.CORSOrigins = trimAll(c.HTTP.CORSOrigins)
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Heartbeat.GracePeriod >= c.Heartbeat.PingInterval {
		errs = append(errs, fmt.Errorf("heartbeat.grace_period (%s) must be shorter than heartbeat.ping_interval (%s)",
			c.Heartbeat.GracePeriod, c.Heartbeat.PingInterval))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (JWT_SECRET)"))
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver (MONGODB_URI)"))
		}
	case StoreDriverBadger:
		if c.Store.BadgerPath == "" {
			errs = append(errs, errors.New("store.badger_path is required for the badger driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	return errors.Join(errs...)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
