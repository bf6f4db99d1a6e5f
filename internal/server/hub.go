// Package server coordinates connection registration, authentication,
// presence and eviction for the chat WebSocket system via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/metrics"
	"github.com/Tyrowin/chatecho/internal/store"
)

// ErrHubStopped is returned when a connection is registered with, or Serve is
// called on, a hub that has already run.
var ErrHubStopped = errors.New("hub stopped")

// authTimeout bounds token verification plus the user lookup.
const authTimeout = 10 * time.Second

// Hub owns the registry of live connections. Registration and
// unregistration go through its event loop; eviction, presence and routing
// work directly against the registry.
type Hub struct {
	opts     Options
	store    store.Store
	verifier auth.Verifier
	registry *Registry
	router   *Router
	origins  *originPolicy

	register   chan *Connection
	unregister chan *Connection

	// presenceMu serializes presence broadcasts so every connection sees
	// them in the same order and the last one reflects the latest registry
	presenceMu sync.Mutex

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closing atomic.Bool
}

// New creates a hub. Store is required; without a Verifier every
// connection stays unauthenticated.
func New(opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("hub: store is required")
	}
	opts = sanitizeOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:       opts,
		store:      opts.Store,
		verifier:   opts.Verifier,
		registry:   NewRegistry(),
		origins:    newOriginPolicy(opts.AllowedOrigins),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.router = newRouter(h)
	return h, nil
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Register hands an upgraded connection to the hub, which starts its pumps
// and heartbeat. The connection is closed if the hub has stopped.
func (h *Hub) Register(ctx context.Context, c *Connection) error {
	if c == nil {
		return fmt.Errorf("hub: nil connection")
	}
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
	case <-ctx.Done():
	}
	c.closeTransport()
	return ErrHubStopped
}

// unregisterConnection is called by the read pump when the transport ends.
func (h *Hub) unregisterConnection(c *Connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.detach(c, "disconnect")
	}
}

// Run starts the hub's event loop and blocks until Shutdown.
func (h *Hub) Run() {
	if err := h.Serve(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Hub stopped")
	}
}

// Serve runs the event loop until ctx is cancelled or Shutdown is called,
// then closes every live connection. A hub serves once.
func (h *Hub) Serve(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrHubStopped
	}
	defer close(h.done)

	logging.Info().Msg("Hub started and ready to manage WebSocket connections")

	for {
		select {
		case <-ctx.Done():
			h.cancel()
			h.shutdownConnections()
			return ctx.Err()

		case <-h.ctx.Done():
			h.shutdownConnections()
			return nil

		case c := <-h.register:
			h.attach(c)

		case c := <-h.unregister:
			h.detach(c, "disconnect")
		}
	}
}

// String names the hub for the supervisor.
func (h *Hub) String() string { return "websocket-hub" }

// attach registers c, starts its pumps and heartbeat, announces presence and
// starts authentication.
func (h *Hub) attach(c *Connection) {
	if !h.registry.Add(c) {
		return
	}
	metrics.Connections.Inc()
	logging.Info().
		Str("conn_id", c.id).
		Str("remote_addr", c.addr).
		Int("connections", h.registry.Len()).
		Msg("WebSocket client connected")

	if c.conn != nil {
		h.wg.Add(3)
		go func() {
			defer h.wg.Done()
			c.writePump()
		}()
		go func() {
			defer h.wg.Done()
			c.readPump()
		}()
		go func() {
			defer h.wg.Done()
			c.eventLoop()
		}()
	}
	c.heartbeat.Start()

	h.broadcastPresence()

	if c.token != "" {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.authenticate(c)
		}()
	}
}

// authenticate resolves the connection's token to a user and binds it. A
// failure leaves the connection open and unauthenticated.
func (h *Hub) authenticate(c *Connection) {
	ctx, cancel := context.WithTimeout(h.ctx, authTimeout)
	defer cancel()

	user, err := h.resolveUser(ctx, c.token)
	if err != nil {
		metrics.AuthFailures.Inc()
		logging.Warn().Err(err).Str("conn_id", c.id).Str("remote_addr", c.addr).Msg("WebSocket authentication failed")
	} else {
		if !h.registry.SetUser(c, user) {
			return
		}
		metrics.AuthenticatedConnections.Inc()
		logging.Info().Str("conn_id", c.id).Str("user_id", user.ID).Msg("WebSocket client authenticated")
	}

	if h.registry.Contains(c) && !h.closing.Load() {
		h.broadcastPresence()
	}
}

func (h *Hub) resolveUser(ctx context.Context, token string) (*store.User, error) {
	if h.verifier == nil {
		return nil, fmt.Errorf("no token verifier configured")
	}
	id, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := h.store.Users().FindByEmail(ctx, id.Email)
	if err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", id.Email, err)
	}
	return user, nil
}

// detach removes c from the registry, stops its heartbeat, closes its send
// queue and announces presence. Only the first call for a connection does
// anything; it returns whether this call did.
func (h *Hub) detach(c *Connection, reason string) bool {
	user, ok := h.registry.take(c)
	if !ok {
		return false
	}
	c.heartbeat.Stop()
	c.closeSend()

	metrics.Connections.Dec()
	if user != nil {
		metrics.AuthenticatedConnections.Dec()
	}
	event := logging.Info().
		Str("conn_id", c.id).
		Str("remote_addr", c.addr).
		Str("reason", reason).
		Int("connections", h.registry.Len())
	if user != nil {
		event.Str("user_id", user.ID)
	}
	event.Msg("WebSocket client removed")

	if !h.closing.Load() {
		h.broadcastPresence()
	}
	return true
}

// evict is the heartbeat's death callback.
func (h *Hub) evict(c *Connection) {
	c.closeTransport()
	if h.detach(c, "heartbeat timeout") {
		metrics.HeartbeatEvictions.Inc()
	}
}

// dropConnection removes a connection whose send queue could not take an
// event.
func (h *Hub) dropConnection(c *Connection, eventType string) {
	metrics.DroppedDeliveries.WithLabelValues(eventType).Inc()
	c.closeTransport()
	h.detach(c, "send buffer full")
}

// deliver queues payload on c and drops the connection if it cannot.
func (h *Hub) deliver(c *Connection, eventType string, payload []byte) {
	if !c.enqueue(payload) {
		h.dropConnection(c, eventType)
	}
}

// shutdownConnections closes every live connection without announcing
// presence.
func (h *Hub) shutdownConnections() {
	h.closing.Store(true)
	bindings := h.registry.Snapshot()
	logging.Info().Int("connections", len(bindings)).Msg("Shutting down all client connections")

	for _, b := range bindings {
		b.Conn.closeTransport()
		h.detach(b.Conn, "shutdown")
	}
}

// Shutdown stops the hub and waits for connection goroutines to finish, or
// until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logging.Info().Msg("Initiating hub shutdown")

	h.cancel()
	if h.started.Load() {
		<-h.done
	} else {
		h.shutdownConnections()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
