package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/store"
	"github.com/Tyrowin/chatecho/internal/store/memory"
)

type restFixture struct {
	t       *testing.T
	store   *memory.Store
	handler http.Handler
	tokens  map[string]string
}

func newRestFixture(t *testing.T) *restFixture {
	t.Helper()
	st := memory.New()
	v, err := auth.NewJWTVerifier("rest-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(Options{Store: st, Verifier: v})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })

	f := &restFixture{
		t:       t,
		store:   st,
		handler: SetupRoutes(h, RouteConfig{MetricsEnabled: true, CORSOrigins: []string{"*"}, RateLimitPerMinute: 1000}),
		tokens:  make(map[string]string),
	}
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		u := &store.User{Email: name + "@example.com", FirstName: name, LastName: "X", AvatarID: name + "-avatar"}
		if err := st.Users().Create(context.Background(), u); err != nil {
			t.Fatal(err)
		}
		token, err := v.Issue(u.Email)
		if err != nil {
			t.Fatal(err)
		}
		f.tokens[name] = token
	}
	return f
}

func (f *restFixture) id(name string) string {
	u, err := f.store.Users().FindByEmail(context.Background(), name+"@example.com")
	if err != nil {
		f.t.Fatal(err)
	}
	return u.ID
}

func (f *restFixture) do(as, method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if as != "" {
		req.Header.Set("Authorization", f.tokens[as])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestRESTRequiresToken(t *testing.T) {
	f := newRestFixture(t)
	rec := f.do("", http.MethodGet, "/user", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListUsersExcludesRequester(t *testing.T) {
	f := newRestFixture(t)
	rec := f.do("Alice", http.MethodGet, "/user", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	users := decode[[]UserSummary](t, rec)
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %+v", users)
	}
	for _, u := range users {
		if u.FirstName == "Alice" {
			t.Fatal("the requester should not be listed")
		}
	}
}

func TestGetUser(t *testing.T) {
	f := newRestFixture(t)
	rec := f.do("Alice", http.MethodGet, "/user/"+f.id("Bob"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if u := decode[store.User](t, rec); u.FirstName != "Bob" {
		t.Fatalf("unexpected user %+v", u)
	}

	rec = f.do("Alice", http.MethodGet, "/user/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetOrCreateChannel(t *testing.T) {
	f := newRestFixture(t)
	bob := f.id("Bob")

	rec := f.do("Alice", http.MethodPost, "/channel", ChannelRequest{Name: "ignored", UserIDs: []string{bob}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	created := decode[ChannelResponse](t, rec)
	if created.Type != store.ChannelDirect || created.Name != "Bob X" || len(created.Users) != 2 {
		t.Fatalf("unexpected direct channel %+v", created)
	}

	rec = f.do("Bob", http.MethodPost, "/channel", ChannelRequest{UserIDs: []string{f.id("Alice")}})
	again := decode[ChannelResponse](t, rec)
	if again.ID != created.ID {
		t.Fatal("the existing channel should be returned")
	}
	if again.Name != "Alice X" {
		t.Fatalf("name should be computed for the requester, got %q", again.Name)
	}

	rec = f.do("Alice", http.MethodPost, "/channel", ChannelRequest{Name: "Trio", UserIDs: []string{bob, f.id("Carol")}})
	group := decode[ChannelResponse](t, rec)
	if group.Type != store.ChannelGroup || group.Name != "Trio" || group.ID == created.ID {
		t.Fatalf("unexpected group channel %+v", group)
	}
}

func TestGetOrCreateChannelValidation(t *testing.T) {
	f := newRestFixture(t)

	rec := f.do("Alice", http.MethodPost, "/channel", map[string]any{"name": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without userIds, got %d", rec.Code)
	}

	rec = f.do("Alice", http.MethodPost, "/channel", ChannelRequest{UserIDs: []string{"ghost"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown member, got %d", rec.Code)
	}
}

func TestChannelHistory(t *testing.T) {
	f := newRestFixture(t)
	ctx := context.Background()
	alice, bob := f.id("Alice"), f.id("Bob")
	ch := &store.Channel{UserIDs: []string{alice, bob}}
	if err := f.store.Channels().Create(ctx, ch); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two"} {
		if err := f.store.Messages().Create(ctx, &store.Message{SenderID: alice, ChannelID: ch.ID, Content: text}); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do("Alice", http.MethodGet, "/message/"+ch.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[ChannelMessages](t, rec)
	if got.Name != "Bob X" || got.Avatar != "Bob-avatar" {
		t.Fatalf("unexpected header %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "one" || got.Messages[1].Content != "two" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}

	if rec := f.do("Carol", http.MethodGet, "/message/"+ch.ID, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-member, got %d", rec.Code)
	}

	rec = f.do("Alice", http.MethodGet, "/message/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["message"] != "Channel not found" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHealthAndOnline(t *testing.T) {
	f := newRestFixture(t)

	rec := f.do("", http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "chatecho server is running!" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body)
	}

	rec = f.do("", http.MethodGet, "/online", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("unexpected online response %d %q", rec.Code, rec.Body)
	}

	rec = f.do("", http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("chatecho_connections")) {
		t.Fatalf("metrics endpoint missing hub metrics: %d", rec.Code)
	}

	rec = f.do("", http.MethodPost, "/ws", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /ws, got %d", rec.Code)
	}
}
