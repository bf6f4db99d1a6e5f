// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks and the online-users snapshot.
package server

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/logging"
)

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
}

// requestToken returns the bearer token of a WebSocket handshake: the token
// query parameter, or the Authorization header for non-browser clients.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

// WebSocketHandler upgrades the request and hands the connection to the hub.
// The connection starts unauthenticated; its token is verified in the
// background.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := NewConnection(h, conn, r.RemoteAddr, requestToken(r))
	if err := h.Register(r.Context(), c); err != nil {
		logging.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection rejected")
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatecho server is running!")
}

// OnlineHandler returns the current online-users list.
func (h *Hub) OnlineHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Presence())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("Error writing JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
