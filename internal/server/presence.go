// Package server computes the set of online users from the registry and
// pushes it to every live connection.
package server

import (
	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/metrics"
)

// presenceList deduplicates the authenticated users of a snapshot by id. A
// user keeps the position of its first connection and the details of its
// last one.
func presenceList(bindings []Binding) []OnlineUser {
	index := make(map[string]int)
	out := make([]OnlineUser, 0, len(bindings))

	for _, b := range bindings {
		if b.User == nil {
			continue
		}
		entry := OnlineUser{
			UserID:    b.User.ID,
			Email:     b.User.Email,
			FirstName: b.User.FirstName,
			LastName:  b.User.LastName,
			AvatarID:  b.User.AvatarID,
		}
		if i, ok := index[entry.UserID]; ok {
			out[i] = entry
			continue
		}
		index[entry.UserID] = len(out)
		out = append(out, entry)
	}
	return out
}

// Presence returns the current deduplicated list of online users.
func (h *Hub) Presence() []OnlineUser {
	return presenceList(h.registry.Snapshot())
}

// broadcastPresence sends the online-users event to every live connection,
// authenticated or not. Connections that cannot take it are dropped after
// the broadcast.
func (h *Hub) broadcastPresence() {
	h.presenceMu.Lock()
	bindings := h.registry.Snapshot()
	users := presenceList(bindings)

	payload, err := encodeEvent(EventOnlineUsers, users)
	if err != nil {
		h.presenceMu.Unlock()
		logging.Error().Err(err).Msg("Failed to encode presence")
		return
	}

	var failed []*Connection
	for _, b := range bindings {
		if !b.Conn.enqueue(payload) {
			failed = append(failed, b.Conn)
		}
	}
	h.presenceMu.Unlock()

	metrics.PresenceBroadcasts.Inc()
	logging.Debug().
		Int("connections", len(bindings)).
		Int("online_users", len(users)).
		Msg("Broadcast presence")

	for _, c := range failed {
		h.dropConnection(c, EventOnlineUsers)
	}
}
