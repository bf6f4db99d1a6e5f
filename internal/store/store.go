// Package store defines the user, channel and message documents the chat hub
// reads and writes, and the repository contract every backend implements.
//
// Writes are last-writer-wins single-document updates; there is no
// cross-document transaction. Missing documents are reported as ErrNotFound.
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a looked-up document does not exist. Malformed
// identifiers are reported the same way.
var ErrNotFound = errors.New("store: not found")

// ChannelType distinguishes two-party from multi-party channels.
type ChannelType string

const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
)

// User is an account. InCall is driven by call signaling.
type User struct {
	ID        string    `json:"_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	AvatarID  string    `json:"avatarId,omitempty"`
	CoverID   string    `json:"coverId,omitempty"`
	InCall    bool      `json:"inCall"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FullName is "First Last".
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// Channel is a conversation. UserIDs is ordered and unique; a direct channel
// has exactly two members.
type Channel struct {
	ID        string      `json:"_id"`
	UserIDs   []string    `json:"userIds"`
	Type      ChannelType `json:"type"`
	Name      string      `json:"name"`
	AvatarID  string      `json:"avatarId,omitempty"`
	SeenBy    []string    `json:"seenBy"`
	OnCall    bool        `json:"onCall"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// HasMember reports whether userID belongs to the channel.
func (c *Channel) HasMember(userID string) bool {
	return userID != "" && slices.Contains(c.UserIDs, userID)
}

// SeenByUser reports whether userID has seen the latest message.
func (c *Channel) SeenByUser(userID string) bool {
	return slices.Contains(c.SeenBy, userID)
}

// Message is append-only. ChannelID must reference a channel whose members
// included SenderID when the message was created.
type Message struct {
	ID           string    `json:"_id"`
	SenderID     string    `json:"senderId"`
	ChannelID    string    `json:"channelId"`
	Content      string    `json:"content"`
	AttachmentID string    `json:"attachmentId,omitempty"`
	StickerID    string    `json:"stickerId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Users is the user repository.
type Users interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByIDs returns the users that exist, in no particular order.
	FindByIDs(ctx context.Context, ids []string) ([]User, error)
	List(ctx context.Context) ([]User, error)
	// Create assigns ID and timestamps when they are empty.
	Create(ctx context.Context, u *User) error
	SetInCall(ctx context.Context, ids []string, inCall bool) error
}

// Channels is the channel repository.
type Channels interface {
	FindByID(ctx context.Context, id string) (*Channel, error)
	// FindByMembers returns a channel whose members include every id.
	FindByMembers(ctx context.Context, userIDs []string) (*Channel, error)
	FindByMember(ctx context.Context, userID string) ([]Channel, error)
	Create(ctx context.Context, c *Channel) error
	// ResetSeenBy replaces SeenBy with exactly [userID].
	ResetSeenBy(ctx context.Context, id, userID string) error
	SetOnCall(ctx context.Context, id string, onCall bool) error
}

// Messages is the message repository.
type Messages interface {
	// Create assigns ID and CreatedAt.
	Create(ctx context.Context, m *Message) error
	Latest(ctx context.Context, channelID string) (*Message, error)
	// ListByChannel returns messages oldest first.
	ListByChannel(ctx context.Context, channelID string) ([]Message, error)
}

// Store groups the repositories of one backend.
type Store interface {
	Users() Users
	Channels() Channels
	Messages() Messages
	Close(ctx context.Context) error
}

// ChannelTypeFor is the type a new channel with n members gets.
func ChannelTypeFor(n int) ChannelType {
	if n <= 2 {
		return ChannelDirect
	}
	return ChannelGroup
}

// Dedupe returns ids without empty or repeated entries, keeping first
// occurrence order.
func Dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// ContainsAll reports whether members includes every id in want.
func ContainsAll(members, want []string) bool {
	for _, id := range want {
		if !slices.Contains(members, id) {
			return false
		}
	}
	return true
}
