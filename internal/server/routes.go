// Package server wires HTTP handlers into a chi router: the WebSocket
// endpoint, health and presence, metrics and the authenticated REST API.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/metrics"
)

// RouteConfig configures the HTTP surface around a hub.
type RouteConfig struct {
	MetricsEnabled     bool
	MetricsPath        string
	CORSOrigins        []string
	RateLimitPerMinute int
}

// SetupRoutes returns the application router.
func SetupRoutes(h *Hub, cfg RouteConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/health", HealthHandler)
	r.HandleFunc("/ws", h.WebSocketHandler)
	r.Get("/online", h.OnlineHandler)

	if cfg.MetricsEnabled {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	api := NewAPI(h.store)
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}
		r.Use(requestMetrics)
		if h.verifier != nil {
			r.Use(auth.Middleware(h.verifier, h.store.Users()))
		}

		r.Get("/user", api.ListUsers)
		r.Get("/user/{userId}", api.GetUser)
		r.Post("/channel", api.GetOrCreateChannel)
		r.Get("/message/{channelId}", api.ChannelHistory)
	})

	return r
}

// requestMetrics records count and latency of REST requests by route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, status, time.Since(start))
	})
}
