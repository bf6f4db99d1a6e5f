// Package server detects silently dead connections with a per-connection
// heartbeat: a recurring ping and a death timer armed after each one.
package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/chatecho/internal/logging"
)

// HeartbeatState is the liveness state of one connection.
type HeartbeatState int

const (
	StateAlive HeartbeatState = iota
	StateAwaitingPong
	StateDead
	StateStopped
)

func (s HeartbeatState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateDead:
		return "dead"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Heartbeat pings every PingInterval and declares the connection dead when
// no pong arrives within GracePeriod of a ping. Dead and Stopped are terminal.
type Heartbeat struct {
	mu       sync.Mutex
	connID   string
	interval time.Duration
	grace    time.Duration
	state    HeartbeatState

	// gen identifies the current death timer; a timer whose generation is
	// stale when it fires does nothing
	gen        uint64
	pingTimer  *time.Timer
	deathTimer *time.Timer
	lastPongAt time.Time

	ping   func() error
	onDead func()
}

func newHeartbeat(connID string, cfg HeartbeatConfig, ping func() error, onDead func()) *Heartbeat {
	return &Heartbeat{
		connID:   connID,
		interval: cfg.PingInterval,
		grace:    cfg.GracePeriod,
		state:    StateAlive,
		ping:     ping,
		onDead:   onDead,
	}
}

// Start schedules the first ping. Calling it more than once, or after Stop,
// does nothing.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateAlive || h.pingTimer != nil {
		return
	}
	h.lastPongAt = time.Now()
	h.pingTimer = time.AfterFunc(h.interval, h.tick)
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	if h.state == StateDead || h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = StateAwaitingPong
	h.gen++
	gen := h.gen
	if h.deathTimer != nil {
		h.deathTimer.Stop()
	}
	h.deathTimer = time.AfterFunc(h.grace, func() { h.expire(gen) })
	h.pingTimer.Reset(h.interval)
	h.mu.Unlock()

	// a failed ping is left to the death timer
	if err := h.ping(); err != nil && !isExpectedCloseError(err) {
		logging.Debug().Err(err).Str("conn_id", h.connID).Msg("Ping failed")
	}
}

// Pong records a pong and cancels the pending death timer.
func (h *Heartbeat) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPongAt = time.Now()
	if h.state != StateAwaitingPong {
		return
	}
	h.state = StateAlive
	if h.deathTimer != nil {
		h.deathTimer.Stop()
		h.deathTimer = nil
	}
}

func (h *Heartbeat) expire(gen uint64) {
	h.mu.Lock()
	if h.state != StateAwaitingPong || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.state = StateDead
	h.pingTimer.Stop()
	h.deathTimer = nil
	lastPong := h.lastPongAt
	h.mu.Unlock()

	logging.Info().
		Str("conn_id", h.connID).
		Dur("since_last_pong", time.Since(lastPong)).
		Msg("Connection dead, no pong within grace period")
	h.onDead()
}

// Stop cancels both timers. It is safe to call at any time and more than once.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDead || h.state == StateStopped {
		return
	}
	h.state = StateStopped
	if h.pingTimer != nil {
		h.pingTimer.Stop()
	}
	if h.deathTimer != nil {
		h.deathTimer.Stop()
		h.deathTimer = nil
	}
}

// State returns the current state.
func (h *Heartbeat) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastPongAt returns when the last pong arrived, or when the heartbeat
// started if none has.
func (h *Heartbeat) LastPongAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPongAt
}
