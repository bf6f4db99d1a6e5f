package server

import (
	"testing"

	"github.com/Tyrowin/chatecho/internal/store"
)

func TestChannelName(t *testing.T) {
	alice := store.User{ID: "a", FirstName: "Alice", LastName: "A"}
	bob := store.User{ID: "b", FirstName: "Bob", LastName: "B"}
	members := map[string]store.User{"a": alice, "b": bob}

	tests := []struct {
		name string
		ch   store.Channel
		want string
	}{
		{"no members", store.Channel{Name: "x"}, "Unknown"},
		{"direct", store.Channel{UserIDs: []string{"a", "b"}, Name: "ignored"}, "Bob B"},
		{"group", store.Channel{UserIDs: []string{"a", "b", "c"}, Name: "Team"}, "Team"},
		{"unresolved other", store.Channel{UserIDs: []string{"a", "z"}}, "Unknown"},
		{"alone", store.Channel{UserIDs: []string{"a"}}, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChannelName(&alice, &tt.ch, members); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestChannelListOrderingAndUnread(t *testing.T) {
	f := newFixture(t)
	alice := f.user("Alice", "A")
	bob := f.user("Bob", "B")
	carol := f.user("Carol", "C")
	bob.AvatarID = "bob-avatar"
	if err := f.store.Users().Create(f.ctx, bob); err != nil {
		t.Fatal(err)
	}

	direct := f.channel("", alice, bob)
	group := f.channel("Team", alice, bob, carol)
	f.channel("", alice, carol) // no messages: left out

	post := func(ch *store.Channel, from *store.User, text string) {
		t.Helper()
		m := &store.Message{SenderID: from.ID, ChannelID: ch.ID, Content: text}
		if err := f.store.Messages().Create(f.ctx, m); err != nil {
			t.Fatal(err)
		}
		if err := f.store.Channels().ResetSeenBy(f.ctx, ch.ID, from.ID); err != nil {
			t.Fatal(err)
		}
	}
	post(direct, bob, "first")
	post(group, alice, "second")

	list, err := channelList(f.ctx, f.store, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 channels, got %+v", list)
	}
	if list[0].ID != group.ID || list[1].ID != direct.ID {
		t.Fatalf("expected newest first, got %s then %s", list[0].Name, list[1].Name)
	}
	if list[0].Name != "Team" || list[0].IsUnread || list[0].AvatarID != "" {
		t.Fatalf("unexpected group row %+v", list[0])
	}
	if list[1].Name != "Bob B" || !list[1].IsUnread || list[1].AvatarID != "bob-avatar" {
		t.Fatalf("unexpected direct row %+v", list[1])
	}
	if list[1].Message.Content != "first" {
		t.Fatalf("expected latest message, got %+v", list[1].Message)
	}
}
