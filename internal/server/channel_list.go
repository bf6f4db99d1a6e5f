// Package server builds the per-user channel list pushed with every new
// message: each channel the user belongs to with its latest message and an
// unread flag, newest first.
package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Tyrowin/chatecho/internal/store"
)

// ChannelSummary is one row of a user's channel list.
type ChannelSummary struct {
	ID       string            `json:"_id"`
	Name     string            `json:"name"`
	Type     store.ChannelType `json:"type"`
	Message  store.Message     `json:"message"`
	AvatarID string            `json:"avatarId,omitempty"`
	IsUnread bool              `json:"isUnread"`
}

// ChannelName is the name viewer sees for ch: the channel name for groups,
// the other member's full name for direct channels and "Unknown" when the
// channel has no members or the other member cannot be resolved.
func ChannelName(viewer *store.User, ch *store.Channel, members map[string]store.User) string {
	if len(ch.UserIDs) == 0 {
		return "Unknown"
	}
	if len(ch.UserIDs) > 2 {
		return ch.Name
	}
	if other, ok := otherMember(viewer, ch, members); ok {
		return other.FullName()
	}
	return "Unknown"
}

// otherMember returns the first member of ch that is not viewer.
func otherMember(viewer *store.User, ch *store.Channel, members map[string]store.User) (store.User, bool) {
	for _, id := range ch.UserIDs {
		if id == viewer.ID {
			continue
		}
		u, ok := members[id]
		return u, ok
	}
	return store.User{}, false
}

// channelList computes viewer's channel list. Channels without messages are
// left out.
func channelList(ctx context.Context, st store.Store, viewer *store.User) ([]ChannelSummary, error) {
	channels, err := st.Channels().FindByMember(ctx, viewer.ID)
	if err != nil {
		return nil, fmt.Errorf("list channels of %s: %w", viewer.ID, err)
	}

	var memberIDs []string
	for _, ch := range channels {
		memberIDs = append(memberIDs, ch.UserIDs...)
	}
	users, err := st.Users().FindByIDs(ctx, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("load channel members: %w", err)
	}
	members := make(map[string]store.User, len(users))
	for _, u := range users {
		members[u.ID] = u
	}

	out := make([]ChannelSummary, 0, len(channels))
	for i := range channels {
		ch := &channels[i]
		latest, err := st.Messages().Latest(ctx, ch.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest message of %s: %w", ch.ID, err)
		}

		summary := ChannelSummary{
			ID:       ch.ID,
			Name:     ChannelName(viewer, ch, members),
			Type:     ch.Type,
			Message:  *latest,
			IsUnread: !ch.SeenByUser(viewer.ID),
		}
		if ch.Type == store.ChannelDirect {
			if other, ok := otherMember(viewer, ch, members); ok {
				summary.AvatarID = other.AvatarID
			}
		}
		out = append(out, summary)
	}

	slices.SortStableFunc(out, func(a, b ChannelSummary) int {
		return b.Message.CreatedAt.Compare(a.Message.CreatedAt)
	})
	return out, nil
}
