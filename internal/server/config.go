// Package server provides the hub options: injected collaborators, heartbeat
// cadence, per-connection limits and the origin allow-list, with defaults
// restored by sanitizeOptions.
package server

import (
	"time"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/config"
	"github.com/Tyrowin/chatecho/internal/store"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// HeartbeatConfig is the ping cadence and the pong grace period after each ping.
type HeartbeatConfig struct {
	PingInterval time.Duration
	GracePeriod  time.Duration
}

// Options holds the dependencies and limits of a Hub.
type Options struct {
	Store    store.Store
	Verifier auth.Verifier

	Heartbeat      HeartbeatConfig
	RateLimit      RateLimitConfig
	SendBuffer     int
	InboundBuffer  int
	MaxMessageSize int64
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

func defaultOptions() Options {
	return Options{
		Heartbeat: HeartbeatConfig{
			PingInterval: 5 * time.Second,
			GracePeriod:  time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		SendBuffer:     256,
		InboundBuffer:  64,
		MaxMessageSize: 64 * 1024,
		WriteTimeout:   10 * time.Second,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
	}
}

func sanitizeOptions(opts Options) Options {
	def := defaultOptions()

	if opts.Heartbeat.PingInterval <= 0 {
		opts.Heartbeat.PingInterval = def.Heartbeat.PingInterval
	}
	if opts.Heartbeat.GracePeriod <= 0 {
		opts.Heartbeat.GracePeriod = def.Heartbeat.GracePeriod
	}
	if opts.RateLimit.Burst <= 0 {
		opts.RateLimit.Burst = def.RateLimit.Burst
	}
	if opts.RateLimit.RefillInterval <= 0 {
		opts.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = def.InboundBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = def.AllowedOrigins
	}
	opts.AllowedOrigins = append([]string(nil), opts.AllowedOrigins...)
	return opts
}

// OptionsFromConfig maps the loaded configuration onto hub options.
func OptionsFromConfig(cfg *config.Config, st store.Store, v auth.Verifier) Options {
	return Options{
		Store:    st,
		Verifier: v,
		Heartbeat: HeartbeatConfig{
			PingInterval: cfg.Heartbeat.PingInterval,
			GracePeriod:  cfg.Heartbeat.GracePeriod,
		},
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
		SendBuffer:     cfg.Server.SendBuffer,
		InboundBuffer:  cfg.Server.InboundBuffer,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
}
