// Package server tracks live connections and the user each one is bound to in
// a mutex-guarded Registry that hands out point-in-time snapshots.
package server

import (
	"cmp"
	"slices"
	"sync"

	"github.com/Tyrowin/chatecho/internal/store"
)

// Binding is one registry entry as seen by a snapshot. User is nil until the
// connection authenticates.
type Binding struct {
	Conn *Connection
	User *store.User
}

type registryEntry struct {
	seq  uint64
	user *store.User
}

// Registry owns the set of live connections. All methods are safe for
// concurrent use. Bound users are treated as immutable.
type Registry struct {
	mu      sync.RWMutex
	entries map[*Connection]*registryEntry
	nextSeq uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[*Connection]*registryEntry)}
}

// Add registers c. It returns false if c was already registered.
func (r *Registry) Add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c]; ok {
		return false
	}
	r.nextSeq++
	r.entries[c] = &registryEntry{seq: r.nextSeq}
	return true
}

// Remove unregisters c. Only the first call for a connection returns true.
func (r *Registry) Remove(c *Connection) bool {
	_, ok := r.take(c)
	return ok
}

// take removes c and returns the user it was bound to.
func (r *Registry) take(c *Connection) (*store.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if !ok {
		return nil, false
	}
	delete(r.entries, c)
	return e.user, true
}

// SetUser binds u to c. It returns false if c is no longer registered.
func (r *Registry) SetUser(c *Connection, u *store.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if !ok {
		return false
	}
	e.user = u
	return true
}

// User returns the user bound to c, or nil.
func (r *Registry) User(c *Connection) *store.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[c]; ok {
		return e.user
	}
	return nil
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[c]
	return ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of every entry in registration order. Each live
// connection appears exactly once.
func (r *Registry) Snapshot() []Binding {
	r.mu.RLock()
	type ordered struct {
		seq uint64
		b   Binding
	}
	list := make([]ordered, 0, len(r.entries))
	for c, e := range r.entries {
		list = append(list, ordered{seq: e.seq, b: Binding{Conn: c, User: e.user}})
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b ordered) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]Binding, len(list))
	for i := range list {
		out[i] = list[i].b
	}
	return out
}

// MemberBindings returns the snapshot entries whose bound user is in userIDs.
func (r *Registry) MemberBindings(userIDs []string) []Binding {
	var out []Binding
	for _, b := range r.Snapshot() {
		if b.User != nil && slices.Contains(userIDs, b.User.ID) {
			out = append(out, b)
		}
	}
	return out
}
