// Package badgerstore is an embedded store backend on BadgerDB. Documents are JSON
// values under prefixed keys with secondary index keys for email, channel
// membership and per-channel message order.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Tyrowin/chatecho/internal/store"
)

// Key prefixes for BadgerDB storage
const (
	userKeyPrefix          = "user:"
	userEmailKeyPrefix     = "user_email:"
	channelKeyPrefix       = "channel:"
	channelMemberKeyPrefix = "channel_member:"
	messageKeyPrefix       = "message:"
)

// Store implements store.Store on a BadgerDB.
type Store struct {
	db *badger.DB

	// message keys embed a strictly increasing timestamp so key order is
	// insertion order
	clockMu  sync.Mutex
	lastNano int64
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return New(db), nil
}

// OpenInMemory opens a database that never touches disk.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger db: %w", err)
	}
	return New(db), nil
}

// New wraps an open database. Close closes it.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Users implements store.Store.
func (s *Store) Users() store.Users { return (*users)(s) }

// Channels implements store.Store.
func (s *Store) Channels() store.Channels { return (*channels)(s) }

// Messages implements store.Store.
func (s *Store) Messages() store.Messages { return (*messages)(s) }

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	n := time.Now().UTC().UnixNano()
	if n <= s.lastNano {
		n = s.lastNano + 1
	}
	s.lastNano = n
	return time.Unix(0, n).UTC()
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// scanValues calls fn with the value of every key under prefix.
func scanValues(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

type users Store

func (r *users) FindByID(_ context.Context, id string) (*store.User, error) {
	var u store.User
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKeyPrefix+id, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	var id string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userEmailKeyPrefix + strings.ToLower(email)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get email index: %w", err)
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *users) FindByIDs(_ context.Context, ids []string) ([]store.User, error) {
	var out []store.User
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range store.Dedupe(ids) {
			var u store.User
			err := getJSON(txn, userKeyPrefix+id, &u)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *users) List(_ context.Context) ([]store.User, error) {
	var out []store.User
	err := r.db.View(func(txn *badger.Txn) error {
		return scanValues(txn, userKeyPrefix, func(val []byte) error {
			var u store.User
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			out = append(out, u)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

func (r *users) Create(_ context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := (*Store)(r).now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	return r.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, userKeyPrefix+u.ID, u); err != nil {
			return err
		}
		if u.Email != "" {
			if err := txn.Set([]byte(userEmailKeyPrefix+strings.ToLower(u.Email)), []byte(u.ID)); err != nil {
				return fmt.Errorf("set email index: %w", err)
			}
		}
		return nil
	})
}

func (r *users) SetInCall(_ context.Context, ids []string, inCall bool) error {
	now := (*Store)(r).now()
	return r.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			var u store.User
			err := getJSON(txn, userKeyPrefix+id, &u)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			u.InCall = inCall
			u.UpdatedAt = now
			if err := setJSON(txn, userKeyPrefix+id, &u); err != nil {
				return err
			}
		}
		return nil
	})
}

type channels Store

func (r *channels) FindByID(_ context.Context, id string) (*store.Channel, error) {
	var c store.Channel
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, channelKeyPrefix+id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// memberChannels loads every channel indexed under userID.
func memberChannels(txn *badger.Txn, userID string) ([]store.Channel, error) {
	var ids []string
	err := scanValues(txn, channelMemberKeyPrefix+userID+":", func(val []byte) error {
		ids = append(ids, string(val))
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]store.Channel, 0, len(ids))
	for _, id := range ids {
		var c store.Channel
		err := getJSON(txn, channelKeyPrefix+id, &c)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *channels) FindByMembers(_ context.Context, userIDs []string) (*store.Channel, error) {
	if len(userIDs) == 0 {
		return nil, store.ErrNotFound
	}
	var found *store.Channel
	err := r.db.View(func(txn *badger.Txn) error {
		list, err := memberChannels(txn, userIDs[0])
		if err != nil {
			return err
		}
		for i := range list {
			c := &list[i]
			if !store.ContainsAll(c.UserIDs, userIDs) {
				continue
			}
			if found == nil || c.CreatedAt.Before(found.CreatedAt) {
				found = c
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find channel by members: %w", err)
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (r *channels) FindByMember(_ context.Context, userID string) ([]store.Channel, error) {
	var out []store.Channel
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = memberChannels(txn, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list member channels: %w", err)
	}
	return out, nil
}

func (r *channels) Create(_ context.Context, c *store.Channel) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = store.ChannelTypeFor(len(c.UserIDs))
	}
	if c.SeenBy == nil {
		c.SeenBy = []string{}
	}
	now := (*Store)(r).now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	return r.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, channelKeyPrefix+c.ID, c); err != nil {
			return err
		}
		for _, uid := range c.UserIDs {
			key := []byte(channelMemberKeyPrefix + uid + ":" + c.ID)
			if err := txn.Set(key, []byte(c.ID)); err != nil {
				return fmt.Errorf("set member index: %w", err)
			}
		}
		return nil
	})
}

// update applies fn to the stored channel in one transaction.
func (r *channels) update(id string, fn func(c *store.Channel)) error {
	now := (*Store)(r).now()
	return r.db.Update(func(txn *badger.Txn) error {
		var c store.Channel
		if err := getJSON(txn, channelKeyPrefix+id, &c); err != nil {
			return err
		}
		fn(&c)
		c.UpdatedAt = now
		return setJSON(txn, channelKeyPrefix+id, &c)
	})
}

func (r *channels) ResetSeenBy(_ context.Context, id, userID string) error {
	return r.update(id, func(c *store.Channel) { c.SeenBy = []string{userID} })
}

func (r *channels) SetOnCall(_ context.Context, id string, onCall bool) error {
	return r.update(id, func(c *store.Channel) { c.OnCall = onCall })
}

type messages Store

func messageKey(m *store.Message) string {
	return fmt.Sprintf("%s%s:%020d:%s", messageKeyPrefix, m.ChannelID, m.CreatedAt.UnixNano(), m.ID)
}

func (r *messages) Create(_ context.Context, m *store.Message) error {
	m.ID = uuid.NewString()
	m.CreatedAt = (*Store)(r).now()
	m.UpdatedAt = m.CreatedAt

	return r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, messageKey(m), m)
	})
}

func (r *messages) Latest(_ context.Context, channelID string) (*store.Message, error) {
	var m *store.Message
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messageKeyPrefix + channelID + ":")
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return store.ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			m = &store.Message{}
			return json.Unmarshal(val, m)
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *messages) ListByChannel(_ context.Context, channelID string) ([]store.Message, error) {
	out := []store.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		return scanValues(txn, messageKeyPrefix+channelID+":", func(val []byte) error {
			var m store.Message
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}
