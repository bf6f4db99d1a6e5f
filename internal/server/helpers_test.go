package server

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/chatecho/internal/store"
	"github.com/Tyrowin/chatecho/internal/store/memory"
)

// fixture is a hub over an in-memory store whose connections have no
// transport: frames are read straight from the send queue.
type fixture struct {
	t     *testing.T
	hub   *Hub
	store *memory.Store
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	h, err := New(Options{
		Store: st,
		// long enough that no ping fires during a test
		Heartbeat: HeartbeatConfig{PingInterval: time.Hour, GracePeriod: time.Minute},
		RateLimit: RateLimitConfig{Burst: 1000, RefillInterval: time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return &fixture{t: t, hub: h, store: st, ctx: context.Background()}
}

func (f *fixture) user(first, last string) *store.User {
	f.t.Helper()
	u := &store.User{Email: first + "@example.com", FirstName: first, LastName: last}
	if err := f.store.Users().Create(f.ctx, u); err != nil {
		f.t.Fatalf("create user: %v", err)
	}
	return u
}

func (f *fixture) channel(name string, members ...*store.User) *store.Channel {
	f.t.Helper()
	ch := &store.Channel{Name: name}
	for _, m := range members {
		ch.UserIDs = append(ch.UserIDs, m.ID)
	}
	if err := f.store.Channels().Create(f.ctx, ch); err != nil {
		f.t.Fatalf("create channel: %v", err)
	}
	return ch
}

// connect attaches a transport-less connection and binds u when it is not
// nil. The presence frames the attach produced are discarded from every live
// connection, not only the new one.
func (f *fixture) connect(u *store.User) *Connection {
	f.t.Helper()
	c := NewConnection(f.hub, nil, "127.0.0.1:0", "")
	f.hub.attach(c)
	if u != nil {
		if !f.hub.registry.SetUser(c, u) {
			f.t.Fatal("SetUser failed")
		}
	}
	for _, b := range f.hub.registry.Snapshot() {
		drain(b.Conn)
	}
	return c
}

// send hands one inbound event to the router.
func (f *fixture) send(c *Connection, eventType string, data any) {
	f.t.Helper()
	raw, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	f.hub.router.Handle(f.ctx, c, raw)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// drain returns every frame queued on c.
func drain(c *Connection) []frame {
	var out []frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var fr frame
			if err := json.Unmarshal(raw, &fr); err == nil {
				out = append(out, fr)
			}
		default:
			return out
		}
	}
}

// only asserts that exactly one frame of eventType is queued on c and
// decodes its data into v.
func only(t *testing.T, c *Connection, eventType string, v any) {
	t.Helper()
	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d: %+v", len(frames), frames)
	}
	if frames[0].Type != eventType {
		t.Fatalf("expected %q frame, got %q (%s)", eventType, frames[0].Type, frames[0].Data)
	}
	if v != nil {
		if err := json.Unmarshal(frames[0].Data, v); err != nil {
			t.Fatalf("decode %s data: %v", eventType, err)
		}
	}
}

func none(t *testing.T, c *Connection) {
	t.Helper()
	if frames := drain(c); len(frames) != 0 {
		t.Fatalf("expected no frames, got %+v", frames)
	}
}

func errorMessage(t *testing.T, c *Connection) string {
	t.Helper()
	var data ErrorData
	only(t, c, EventTypeError, &data)
	return data.Message
}
