// Package server serves the REST endpoints the chat client uses next to the
// WebSocket: user lookups, channel get-or-create and channel history.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/store"
)

// API holds the REST handlers. Every handler expects auth.Middleware to have
// stored the requesting user in the context.
type API struct {
	store store.Store
}

// NewAPI returns the REST handlers backed by st.
func NewAPI(st store.Store) *API {
	return &API{store: st}
}

// UserSummary is a user as listed by GET /user.
type UserSummary struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	AvatarID  string    `json:"avatarId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelRequest is the body of POST /channel.
type ChannelRequest struct {
	Name    string   `json:"name"`
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
}

// ChannelResponse is a channel named for the requester, members expanded.
type ChannelResponse struct {
	ID    string            `json:"_id"`
	Name  string            `json:"name"`
	Type  store.ChannelType `json:"type"`
	Users []store.User      `json:"userIds"`
}

// ChannelMessages is the body of GET /message/{channelId}.
type ChannelMessages struct {
	Name     string          `json:"name"`
	Avatar   string          `json:"avatar,omitempty"`
	Messages []store.Message `json:"messages"`
}

func currentUser(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"isAuthenticated": false, "message": "Unauthorized"})
	}
	return u, ok
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("REST request failed")
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// ListUsers handles GET /user: every user except the requester.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	me, ok := currentUser(w, r)
	if !ok {
		return
	}
	users, err := a.store.Users().List(r.Context())
	if err != nil {
		internalError(w, r, err)
		return
	}

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		if u.ID == me.ID {
			continue
		}
		out = append(out, UserSummary{
			UserID:    u.ID,
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			AvatarID:  u.AvatarID,
			CreatedAt: u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetUser handles GET /user/{userId}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	u, err := a.store.Users().FindByID(r.Context(), chi.URLParam(r, "userId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetOrCreateChannel handles POST /channel. It returns a channel whose members
// include every requested user, creating one when none exists. The requester
// is always a member.
func (a *API) GetOrCreateChannel(w http.ResponseWriter, r *http.Request) {
	me, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validatePayload(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := store.Dedupe(append([]string{me.ID}, req.UserIDs...))
	users, err := a.store.Users().FindByIDs(r.Context(), ids)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if len(users) != len(ids) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	ch, err := a.store.Channels().FindByMembers(r.Context(), ids)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ch = &store.Channel{
			UserIDs: ids,
			Type:    store.ChannelTypeFor(len(ids)),
			Name:    req.Name,
		}
		if ch.Type == store.ChannelDirect {
			ch.Name = ""
		}
		if err := a.store.Channels().Create(r.Context(), ch); err != nil {
			internalError(w, r, err)
			return
		}
		logging.Info().Str("channel_id", ch.ID).Str("user_id", me.ID).Int("members", len(ids)).Msg("Channel created")
	case err != nil:
		internalError(w, r, err)
		return
	}

	resp, err := a.channelResponse(r, me, ch)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) channelResponse(r *http.Request, me *store.User, ch *store.Channel) (*ChannelResponse, error) {
	members, err := a.members(r, ch)
	if err != nil {
		return nil, err
	}
	resp := &ChannelResponse{
		ID:    ch.ID,
		Name:  ChannelName(me, ch, members),
		Type:  ch.Type,
		Users: make([]store.User, 0, len(ch.UserIDs)),
	}
	for _, id := range ch.UserIDs {
		if u, ok := members[id]; ok {
			resp.Users = append(resp.Users, u)
		}
	}
	return resp, nil
}

func (a *API) members(r *http.Request, ch *store.Channel) (map[string]store.User, error) {
	users, err := a.store.Users().FindByIDs(r.Context(), ch.UserIDs)
	if err != nil {
		return nil, err
	}
	members := make(map[string]store.User, len(users))
	for _, u := range users {
		members[u.ID] = u
	}
	return members, nil
}

// ChannelHistory handles GET /message/{channelId}: the channel name and
// avatar as the requester sees them, and its messages oldest first.
func (a *API) ChannelHistory(w http.ResponseWriter, r *http.Request) {
	me, ok := currentUser(w, r)
	if !ok {
		return
	}
	ch, err := a.store.Channels().FindByID(r.Context(), chi.URLParam(r, "channelId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	if !ch.HasMember(me.ID) {
		writeError(w, http.StatusForbidden, "You are not in this channel")
		return
	}

	members, err := a.members(r, ch)
	if err != nil {
		internalError(w, r, err)
		return
	}
	messages, err := a.store.Messages().ListByChannel(r.Context(), ch.ID)
	if err != nil {
		internalError(w, r, err)
		return
	}

	resp := ChannelMessages{
		Name:     ChannelName(me, ch, members),
		Messages: messages,
	}
	if resp.Messages == nil {
		resp.Messages = []store.Message{}
	}
	if len(ch.UserIDs) <= 2 {
		if other, ok := otherMember(me, ch, members); ok {
			resp.Avatar = other.AvatarID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
