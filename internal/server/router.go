// Package server routes inbound client events to the store and fans the
// results out to the live connections of the channel's members.
package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/metrics"
	"github.com/Tyrowin/chatecho/internal/store"
)

// Router handles the five inbound event kinds. Membership is checked against
// the store on every event and never cached.
type Router struct {
	hub   *Hub
	store store.Store

	// callMu serializes call state transitions so two new-call events cannot
	// both pass the inCall checks for the same users.
	callMu sync.Mutex
}

func newRouter(h *Hub) *Router {
	return &Router{hub: h, store: h.store}
}

// Handle decodes and dispatches one frame received on c. Failures are logged
// and, unless they are store failures, reported to c as an error event.
func (r *Router) Handle(ctx context.Context, c *Connection, raw []byte) {
	eventType := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			metrics.InboundEvents.WithLabelValues(eventType, "panic").Inc()
			logging.Error().
				Str("conn_id", c.id).
				Str("event_type", eventType).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in event handler")
		}
	}()

	typ, ev, err := decodeInbound(raw)
	if typ != "" {
		eventType = typ
	}
	if err != nil {
		r.fail(c, eventType, errInvalid(err))
		return
	}
	if ev == nil {
		metrics.InboundEvents.WithLabelValues("unknown", "ignored").Inc()
		logging.Debug().Str("conn_id", c.id).Str("event_type", typ).Msg("Ignoring unknown event type")
		return
	}

	user := r.hub.registry.User(c)
	if user == nil {
		r.fail(c, eventType, errNotAuthenticated())
		return
	}

	switch e := ev.(type) {
	case *SendMessage:
		err = r.sendMessage(ctx, c, user, e)
	case *NewCall:
		err = r.newCall(ctx, c, user, e)
	case *CancelCall:
		err = r.cancelCall(ctx, c, user, e)
	case *AcceptCall:
		err = r.acceptCall(ctx, c, user, e)
	case *PeerSignal:
		err = r.peerSignal(ctx, c, user, e)
	}
	if err != nil {
		var evErr *EventError
		if !errors.As(err, &evErr) {
			evErr = errStore(eventType, err)
		}
		r.fail(c, eventType, evErr)
		return
	}
	metrics.InboundEvents.WithLabelValues(eventType, "ok").Inc()
}

// fail logs err and reports it to c when the client should know.
func (r *Router) fail(c *Connection, eventType string, err *EventError) {
	metrics.InboundEvents.WithLabelValues(eventType, string(err.Kind)).Inc()

	event := logging.Warn()
	if err.Kind == ErrKindStore {
		event = logging.Error()
	}
	event.Err(err).
		Str("conn_id", c.id).
		Str("event_type", eventType).
		Str("kind", string(err.Kind)).
		Msg("Event failed")

	if !err.Reported() {
		return
	}
	payload, encErr := encodeEvent(EventTypeError, ErrorData{Message: err.Message})
	if encErr != nil {
		logging.Error().Err(encErr).Msg("Failed to encode error event")
		return
	}
	r.hub.deliver(c, EventTypeError, payload)
}

// loadChannel fetches a channel and checks that user belongs to it.
func (r *Router) loadChannel(ctx context.Context, id string, user *store.User) (*store.Channel, error) {
	ch, err := r.store.Channels().FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errChannelNotFound()
	}
	if err != nil {
		return nil, errStore("load channel", err)
	}
	if !ch.HasMember(user.ID) {
		return nil, errPermission("You are not in this channel")
	}
	return ch, nil
}

// checkActor rejects events that claim to come from someone other than the
// bound user.
func checkActor(claimed string, user *store.User) error {
	if claimed != user.ID {
		return errPermission("You can only act as yourself")
	}
	return nil
}

// fanOut delivers one encoded event to every live connection of the given
// members, skipping skip when it is not nil.
func (r *Router) fanOut(eventType string, data any, memberIDs []string, skip func(Binding) bool) error {
	payload, err := encodeEvent(eventType, data)
	if err != nil {
		return err
	}
	delivered := 0
	for _, b := range r.hub.registry.MemberBindings(memberIDs) {
		if skip != nil && skip(b) {
			continue
		}
		r.hub.deliver(b.Conn, eventType, payload)
		delivered++
	}
	logging.Debug().Str("event_type", eventType).Int("recipients", delivered).Msg("Fanned out event")
	return nil
}

func (r *Router) sendMessage(ctx context.Context, c *Connection, user *store.User, e *SendMessage) error {
	if err := checkActor(e.SenderID, user); err != nil {
		return err
	}
	ch, err := r.loadChannel(ctx, e.ChannelID, user)
	if err != nil {
		return err
	}

	msg := &store.Message{
		SenderID:     user.ID,
		ChannelID:    ch.ID,
		Content:      e.Content,
		AttachmentID: e.AttachmentID,
		StickerID:    e.StickerID,
	}
	if err := r.store.Messages().Create(ctx, msg); err != nil {
		return errStore("create message", err)
	}
	if err := r.store.Channels().ResetSeenBy(ctx, ch.ID, user.ID); err != nil {
		logging.Error().Err(err).Str("channel_id", ch.ID).Msg("Failed to reset seen-by")
	}

	view := MessageView{
		ID: msg.ID,
		Sender: MessageSender{
			FirstName: user.FirstName,
			LastName:  user.LastName,
			AvatarID:  user.AvatarID,
		},
		SenderName:   user.FullName(),
		SenderID:     user.ID,
		Content:      msg.Content,
		AttachmentID: msg.AttachmentID,
		StickerID:    msg.StickerID,
		ChannelID:    ch.ID,
		CreatedAt:    msg.CreatedAt,
		AvatarID:     user.AvatarID,
	}

	// One channel list per recipient user, shared by its connections.
	histories := make(map[string][]byte)
	for _, b := range r.hub.registry.MemberBindings(ch.UserIDs) {
		if b.Conn == c {
			continue
		}
		payload, ok := histories[b.User.ID]
		if !ok {
			history, err := channelList(ctx, r.store, b.User)
			if err != nil {
				logging.Error().Err(err).
					Str("user_id", b.User.ID).
					Str("channel_id", ch.ID).
					Msg("Failed to build channel list; skipping recipient")
				histories[b.User.ID] = nil
				continue
			}
			payload, err = encodeEvent(EventMessage, MessageData{Message: view, History: history})
			if err != nil {
				return errStore("encode message", err)
			}
			histories[b.User.ID] = payload
		}
		if payload == nil {
			continue
		}
		r.hub.deliver(b.Conn, EventMessage, payload)
	}

	logging.Debug().
		Str("conn_id", c.id).
		Str("channel_id", ch.ID).
		Str("message_id", msg.ID).
		Msg("Message sent")
	return nil
}

func (r *Router) newCall(ctx context.Context, _ *Connection, user *store.User, e *NewCall) error {
	if err := checkActor(e.CallerID, user); err != nil {
		return err
	}

	r.callMu.Lock()
	defer r.callMu.Unlock()

	ch, err := r.loadChannel(ctx, e.ChannelID, user)
	if err != nil {
		return err
	}
	users, err := r.store.Users().FindByIDs(ctx, ch.UserIDs)
	if err != nil {
		return errStore("load channel members", err)
	}
	byID := make(map[string]store.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	caller, ok := byID[user.ID]
	if !ok {
		return errNotFound("Caller not found")
	}
	if caller.InCall {
		return errPermission("You are in a call")
	}
	if ch.Type == store.ChannelDirect {
		if other, ok := otherMember(&caller, ch, byID); ok && other.InCall {
			return errPermission(fmt.Sprintf("%s is in other call!", other.FullName()))
		}
	}

	if err := r.store.Users().SetInCall(ctx, ch.UserIDs, true); err != nil {
		return errStore("set in call", err)
	}

	members := make([]store.User, 0, len(ch.UserIDs))
	for _, id := range ch.UserIDs {
		if u, ok := byID[id]; ok {
			u.InCall = true
			members = append(members, u)
		}
	}
	data := NewCallData{
		Caller: &caller,
		Channel: CallChannel{
			ID:       ch.ID,
			Users:    members,
			Type:     ch.Type,
			Name:     ch.Name,
			AvatarID: ch.AvatarID,
			OnCall:   ch.OnCall,
		},
		Option: e.Option,
	}
	return r.fanOut(EventNewCall, data, ch.UserIDs, nil)
}

func (r *Router) cancelCall(ctx context.Context, _ *Connection, user *store.User, e *CancelCall) error {
	if err := checkActor(e.ActionUserID, user); err != nil {
		return err
	}

	r.callMu.Lock()
	defer r.callMu.Unlock()

	ch, err := r.loadChannel(ctx, e.ChannelID, user)
	if err != nil {
		return err
	}
	if err := r.store.Channels().SetOnCall(ctx, ch.ID, false); err != nil {
		return errStore("clear channel call", err)
	}
	if err := r.store.Users().SetInCall(ctx, ch.UserIDs, false); err != nil {
		return errStore("clear in call", err)
	}
	return r.fanOut(EventCancelCall, CancelCallData{ActionUserID: user.ID, ChannelID: ch.ID}, ch.UserIDs, nil)
}

func (r *Router) acceptCall(ctx context.Context, _ *Connection, user *store.User, e *AcceptCall) error {
	r.callMu.Lock()
	defer r.callMu.Unlock()

	ch, err := r.loadChannel(ctx, e.ChannelID, user)
	if err != nil {
		return err
	}
	if err := r.store.Channels().SetOnCall(ctx, ch.ID, true); err != nil {
		return errStore("set channel call", err)
	}
	return r.fanOut(EventJoinCall, JoinCallData{ChannelID: ch.ID, Option: e.Option}, ch.UserIDs, nil)
}

func (r *Router) peerSignal(ctx context.Context, _ *Connection, user *store.User, e *PeerSignal) error {
	if err := checkActor(e.SenderID, user); err != nil {
		return err
	}
	ch, err := r.loadChannel(ctx, e.ChannelID, user)
	if err != nil {
		return err
	}
	skipSender := func(b Binding) bool { return b.User.ID == user.ID }
	return r.fanOut(EventPeerSignal, PeerSignalData{ChannelID: ch.ID, PeerID: e.PeerID}, ch.UserIDs, skipSender)
}
