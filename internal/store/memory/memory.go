// Package memory is an in-process store backend. It is the default driver
// and the test double for the hub.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatecho/internal/store"
)

// Store keeps every document in maps guarded by a single RWMutex. Documents
// are copied on the way in and out so callers never share memory with it.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*store.User
	channels map[string]*store.Channel
	// messages per channel, in insertion order
	messages map[string][]*store.Message
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]*store.User),
		channels: make(map[string]*store.Channel),
		messages: make(map[string][]*store.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Users implements store.Store.
func (s *Store) Users() store.Users { return (*users)(s) }

// Channels implements store.Store.
func (s *Store) Channels() store.Channels { return (*channels)(s) }

// Messages implements store.Store.
func (s *Store) Messages() store.Messages { return (*messages)(s) }

// Close implements store.Store.
func (s *Store) Close(context.Context) error { return nil }

type users Store

func (r *users) FindByID(_ context.Context, id string) (*store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *users) FindByEmail(_ context.Context, email string) (*store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *users) FindByIDs(_ context.Context, ids []string) ([]store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.User, 0, len(ids))
	for _, id := range store.Dedupe(ids) {
		if u, ok := r.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *users) List(_ context.Context) ([]store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b store.User) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *users) Create(_ context.Context, u *store.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := r.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *users) SetInCall(_ context.Context, ids []string, inCall bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			u.InCall = inCall
			u.UpdatedAt = now
		}
	}
	return nil
}

type channels Store

func cloneChannel(c *store.Channel) *store.Channel {
	cp := *c
	cp.UserIDs = slices.Clone(c.UserIDs)
	cp.SeenBy = slices.Clone(c.SeenBy)
	return &cp
}

func (r *channels) FindByID(_ context.Context, id string) (*store.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneChannel(c), nil
}

func (r *channels) FindByMembers(_ context.Context, userIDs []string) (*store.Channel, error) {
	if len(userIDs) == 0 {
		return nil, store.ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *store.Channel
	for _, c := range r.channels {
		if !store.ContainsAll(c.UserIDs, userIDs) {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return cloneChannel(found), nil
}

func (r *channels) FindByMember(_ context.Context, userID string) ([]store.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Channel
	for _, c := range r.channels {
		if c.HasMember(userID) {
			out = append(out, *cloneChannel(c))
		}
	}
	slices.SortFunc(out, func(a, b store.Channel) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *channels) Create(_ context.Context, c *store.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = store.ChannelTypeFor(len(c.UserIDs))
	}
	if c.SeenBy == nil {
		c.SeenBy = []string{}
	}
	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.channels[c.ID] = cloneChannel(c)
	return nil
}

func (r *channels) ResetSeenBy(_ context.Context, id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if !ok {
		return store.ErrNotFound
	}
	c.SeenBy = []string{userID}
	c.UpdatedAt = r.now()
	return nil
}

func (r *channels) SetOnCall(_ context.Context, id string, onCall bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if !ok {
		return store.ErrNotFound
	}
	c.OnCall = onCall
	c.UpdatedAt = r.now()
	return nil
}

type messages Store

func (r *messages) Create(_ context.Context, m *store.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = uuid.NewString()
	now := r.now()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	r.messages[m.ChannelID] = append(r.messages[m.ChannelID], &cp)
	return nil
}

func (r *messages) Latest(_ context.Context, channelID string) (*store.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.messages[channelID]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (r *messages) ListByChannel(_ context.Context, channelID string) ([]store.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.messages[channelID]
	out := make([]store.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out, nil
}
