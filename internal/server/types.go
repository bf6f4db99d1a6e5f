// Package server defines the event envelope exchanged with chat clients, the
// typed payload of every inbound event kind and the outbound event shapes.
package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/chatecho/internal/store"
)

// Inbound event types.
const (
	EventSendMessage = "send-message"
	EventNewCall     = "new-call"
	EventCancelCall  = "cancel-call"
	EventAcceptCall  = "accept-call"
	EventPeerSignal  = "peer-signal"
)

// Outbound event types. new-call, cancel-call and peer-signal are relayed
// under their inbound names.
const (
	EventOnlineUsers = "online-users"
	EventMessage     = "message"
	EventJoinCall    = "join-call"
	EventTypeError   = "error"
)

// Envelope is the JSON frame every event travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is implemented by SendMessage, NewCall, CancelCall, AcceptCall
// and PeerSignal.
type InboundEvent interface {
	EventType() string
}

// SendMessage appends a message to a channel.
type SendMessage struct {
	SenderID     string `json:"senderId" validate:"required"`
	ChannelID    string `json:"channelId" validate:"required"`
	Content      string `json:"content" validate:"required_without_all=AttachmentID StickerID"`
	AttachmentID string `json:"attachmentId,omitempty"`
	StickerID    string `json:"stickerId,omitempty"`
}

// NewCall rings every member of a channel. Option is relayed untouched.
type NewCall struct {
	CallerID  string          `json:"callerId" validate:"required"`
	ChannelID string          `json:"channelId" validate:"required"`
	Option    json.RawMessage `json:"option,omitempty"`
}

// CancelCall ends or declines a call.
type CancelCall struct {
	ActionUserID string `json:"actionUserId" validate:"required"`
	ChannelID    string `json:"channelId" validate:"required"`
}

// AcceptCall joins a ringing call.
type AcceptCall struct {
	ChannelID string          `json:"channelId" validate:"required"`
	Option    json.RawMessage `json:"option,omitempty"`
}

// PeerSignal relays a connection negotiation payload to the other members.
type PeerSignal struct {
	ChannelID string          `json:"channelId" validate:"required"`
	PeerID    json.RawMessage `json:"peerId" validate:"required"`
	SenderID  string          `json:"senderId" validate:"required"`
}

func (*SendMessage) EventType() string { return EventSendMessage }
func (*NewCall) EventType() string     { return EventNewCall }
func (*CancelCall) EventType() string  { return EventCancelCall }
func (*AcceptCall) EventType() string  { return EventAcceptCall }
func (*PeerSignal) EventType() string  { return EventPeerSignal }

// errMalformedFrame is returned when a frame is not a JSON envelope.
var errMalformedFrame = errors.New("malformed event frame")

// decodeInbound parses a client frame. Unknown types yield a nil event and a
// nil error so callers can ignore them.
func decodeInbound(raw []byte) (string, InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %w", errMalformedFrame, err)
	}

	var ev InboundEvent
	switch env.Type {
	case EventSendMessage:
		ev = &SendMessage{}
	case EventNewCall:
		ev = &NewCall{}
	case EventCancelCall:
		ev = &CancelCall{}
	case EventAcceptCall:
		ev = &AcceptCall{}
	case EventPeerSignal:
		ev = &PeerSignal{}
	default:
		return env.Type, nil, nil
	}

	data := strings.TrimSpace(string(env.Data))
	if data == "" || data == "null" {
		return env.Type, nil, fmt.Errorf("%s: data is required", env.Type)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return env.Type, nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	if err := validatePayload(ev); err != nil {
		return env.Type, nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	return env.Type, ev, nil
}

// OnlineUser is one entry of the online-users event.
type OnlineUser struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarID  string `json:"avatarId,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// MessageSender is the display data of a message author.
type MessageSender struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarID  string `json:"avatarId,omitempty"`
}

// MessageView is a stored message as pushed to recipients.
type MessageView struct {
	ID           string        `json:"_id"`
	Sender       MessageSender `json:"sender"`
	SenderName   string        `json:"senderName"`
	SenderID     string        `json:"senderId"`
	Content      string        `json:"content"`
	AttachmentID string        `json:"attachmentId,omitempty"`
	StickerID    string        `json:"stickerId,omitempty"`
	ChannelID    string        `json:"channelId"`
	CreatedAt    time.Time     `json:"createdAt"`
	AvatarID     string        `json:"avatarId,omitempty"`
}

// MessageData is the payload of a message event: the new message and the
// recipient's refreshed channel list.
type MessageData struct {
	Message MessageView      `json:"message"`
	History []ChannelSummary `json:"history"`
}

// CallChannel is a channel with its members expanded.
type CallChannel struct {
	ID       string            `json:"_id"`
	Users    []store.User      `json:"userIds"`
	Type     store.ChannelType `json:"type"`
	Name     string            `json:"name"`
	AvatarID string            `json:"avatarId,omitempty"`
	OnCall   bool              `json:"onCall"`
}

// NewCallData is the payload of a new-call event.
type NewCallData struct {
	Caller  *store.User     `json:"caller"`
	Channel CallChannel     `json:"channel"`
	Option  json.RawMessage `json:"option,omitempty"`
}

// CancelCallData is the payload of a cancel-call event.
type CancelCallData struct {
	ActionUserID string `json:"actionUserId"`
	ChannelID    string `json:"channelId"`
}

// JoinCallData is the payload of a join-call event.
type JoinCallData struct {
	ChannelID string          `json:"channelId"`
	Option    json.RawMessage `json:"option,omitempty"`
}

// PeerSignalData is the payload of a relayed peer-signal event.
type PeerSignalData struct {
	ChannelID string          `json:"channelId"`
	PeerID    json.RawMessage `json:"peerId"`
}

// encodeEvent marshals an outbound event.
func encodeEvent(eventType string, data any) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return payload, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
