package server

import (
	"sync"
	"testing"

	"github.com/Tyrowin/chatecho/internal/store"
)

func bareConn() *Connection {
	return &Connection{send: make(chan []byte, 8)}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	c := bareConn()

	if !r.Add(c) {
		t.Fatal("first Add should succeed")
	}
	if r.Add(c) {
		t.Fatal("second Add should report a duplicate")
	}
	if r.Len() != 1 || !r.Contains(c) {
		t.Fatal("connection should be registered once")
	}
	if !r.Remove(c) {
		t.Fatal("first Remove should succeed")
	}
	if r.Remove(c) {
		t.Fatal("second Remove should be a no-op")
	}
	if r.SetUser(c, &store.User{ID: "u1"}) {
		t.Fatal("SetUser on a removed connection should fail")
	}
}

func TestRegistryBindingAndSnapshotOrder(t *testing.T) {
	r := NewRegistry()
	conns := []*Connection{bareConn(), bareConn(), bareConn()}
	for _, c := range conns {
		r.Add(c)
	}
	r.SetUser(conns[1], &store.User{ID: "bob"})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 bindings, got %d", len(snap))
	}
	for i, b := range snap {
		if b.Conn != conns[i] {
			t.Fatalf("snapshot not in registration order at %d", i)
		}
	}
	if snap[0].User != nil || snap[1].User == nil || snap[1].User.ID != "bob" {
		t.Fatalf("unexpected bindings: %+v", snap)
	}
	if u := r.User(conns[1]); u == nil || u.ID != "bob" {
		t.Fatal("User should return the bound user")
	}

	members := r.MemberBindings([]string{"bob", "nobody"})
	if len(members) != 1 || members[0].Conn != conns[1] {
		t.Fatalf("unexpected member bindings: %+v", members)
	}
}

func TestRegistryTakeReturnsUser(t *testing.T) {
	r := NewRegistry()
	c := bareConn()
	r.Add(c)
	r.SetUser(c, &store.User{ID: "alice"})

	u, ok := r.take(c)
	if !ok || u == nil || u.ID != "alice" {
		t.Fatalf("take returned %v, %v", u, ok)
	}
	if _, ok := r.take(c); ok {
		t.Fatal("take should succeed once")
	}
}

// TestRegistryConcurrentAccess exercises the registry from many goroutines;
// run with -race.
func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := bareConn()
			r.Add(c)
			r.SetUser(c, &store.User{ID: "u"})
			_ = r.Snapshot()
			r.Remove(c)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
