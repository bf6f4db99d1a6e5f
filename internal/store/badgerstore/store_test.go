package badgerstore

import (
	"context"
	"errors"
	"testing"

	"github.com/Tyrowin/chatecho/internal/store"
)

// setupStore opens an in-memory BadgerDB for testing.
func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestBadgerUsers(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	ann := &store.User{Email: "Ann@Example.com", FirstName: "Ann", LastName: "Lee"}
	bob := &store.User{Email: "bob@example.com", FirstName: "Bob", LastName: "Ray"}
	for _, u := range []*store.User{ann, bob} {
		if err := s.Users().Create(ctx, u); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	t.Run("find_by_email_is_case_insensitive", func(t *testing.T) {
		got, err := s.Users().FindByEmail(ctx, "ann@example.com")
		if err != nil {
			t.Fatalf("FindByEmail() error = %v", err)
		}
		if got.ID != ann.ID {
			t.Errorf("FindByEmail() id = %s, want %s", got.ID, ann.ID)
		}
	})

	t.Run("missing_user", func(t *testing.T) {
		if _, err := s.Users().FindByID(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("FindByID() error = %v, want ErrNotFound", err)
		}
		if _, err := s.Users().FindByEmail(ctx, "nope@example.com"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("FindByEmail() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("set_in_call", func(t *testing.T) {
		if err := s.Users().SetInCall(ctx, []string{ann.ID, "ghost"}, true); err != nil {
			t.Fatalf("SetInCall() error = %v", err)
		}
		got, _ := s.Users().FindByID(ctx, ann.ID)
		if !got.InCall {
			t.Error("expected ann to be in call")
		}
		other, _ := s.Users().FindByID(ctx, bob.ID)
		if other.InCall {
			t.Error("bob should not be in call")
		}
	})

	t.Run("list", func(t *testing.T) {
		all, err := s.Users().List(ctx)
		if err != nil || len(all) != 2 {
			t.Errorf("List() = %d users, %v", len(all), err)
		}
	})
}

func TestBadgerChannels(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	direct := &store.Channel{UserIDs: []string{"u1", "u2"}}
	group := &store.Channel{UserIDs: []string{"u1", "u2", "u3"}, Name: "team"}
	for _, c := range []*store.Channel{direct, group} {
		if err := s.Channels().Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := s.Channels().FindByMembers(ctx, []string{"u2", "u1"})
	if err != nil {
		t.Fatalf("FindByMembers() error = %v", err)
	}
	if got.ID != direct.ID {
		t.Errorf("FindByMembers(u2,u1) = %s, want oldest match %s", got.ID, direct.ID)
	}

	got, err = s.Channels().FindByMembers(ctx, []string{"u3"})
	if err != nil || got.ID != group.ID {
		t.Errorf("FindByMembers(u3) = %v, %v", got, err)
	}

	list, err := s.Channels().FindByMember(ctx, "u1")
	if err != nil || len(list) != 2 {
		t.Errorf("FindByMember(u1) = %d, %v", len(list), err)
	}

	if err := s.Channels().ResetSeenBy(ctx, group.ID, "u3"); err != nil {
		t.Fatal(err)
	}
	if err := s.Channels().SetOnCall(ctx, group.ID, true); err != nil {
		t.Fatal(err)
	}
	reloaded, _ := s.Channels().FindByID(ctx, group.ID)
	if len(reloaded.SeenBy) != 1 || reloaded.SeenBy[0] != "u3" || !reloaded.OnCall {
		t.Errorf("reloaded = %+v", reloaded)
	}

	if err := s.Channels().SetOnCall(ctx, "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetOnCall(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBadgerMessagesOrder(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	if _, err := s.Messages().Latest(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Latest(empty) error = %v, want ErrNotFound", err)
	}

	for _, content := range []string{"first", "second", "third"} {
		if err := s.Messages().Create(ctx, &store.Message{ChannelID: "c1", SenderID: "u1", Content: content}); err != nil {
			t.Fatal(err)
		}
	}
	// a neighbouring channel id must not leak into c1
	_ = s.Messages().Create(ctx, &store.Message{ChannelID: "c10", SenderID: "u1", Content: "other"})

	latest, err := s.Messages().Latest(ctx, "c1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Content != "third" {
		t.Errorf("Latest() = %q, want third", latest.Content)
	}

	all, err := s.Messages().ListByChannel(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Content != "first" || all[2].Content != "third" {
		t.Errorf("ListByChannel() = %+v", all)
	}
}
