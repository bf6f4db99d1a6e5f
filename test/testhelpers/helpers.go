// Package testhelpers provides common utilities and helper functions for testing the chatecho server.
//
// It starts a complete in-process stack (memory store, JWT verifier, hub and
// routes) and offers helpers to seed users, dial authenticated WebSocket
// connections and exchange typed events.
package testhelpers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/server"
	"github.com/Tyrowin/chatecho/internal/store"
	"github.com/Tyrowin/chatecho/internal/store/memory"
)

// TestOrigin is the browser origin allowed by StartStack.
const TestOrigin = "http://localhost:8080"

// DefaultTimeout bounds every read performed by the helpers.
const DefaultTimeout = 3 * time.Second

// StackOptions tunes the hub started by StartStack. Zero values fall back to
// settings suited for tests: no heartbeat during the test, a generous rate
// limit and TestOrigin as the only allowed origin.
type StackOptions struct {
	Heartbeat      server.HeartbeatConfig
	RateLimit      server.RateLimitConfig
	MaxMessageSize int64
	AllowedOrigins []string
	Route          server.RouteConfig
}

// Stack is a running hub behind an httptest server.
type Stack struct {
	Hub      *server.Hub
	Store    *memory.Store
	Verifier *auth.JWTVerifier
	Server   *httptest.Server
	WSURL    string

	cancel context.CancelFunc
}

// StartStack starts a hub and its routes. Everything is torn down when the
// test ends.
func StartStack(t *testing.T, opts StackOptions) *Stack {
	t.Helper()

	if opts.Heartbeat.PingInterval == 0 {
		opts.Heartbeat = server.HeartbeatConfig{PingInterval: time.Hour, GracePeriod: time.Minute}
	}
	if opts.RateLimit.Burst == 0 {
		opts.RateLimit = server.RateLimitConfig{Burst: 1000, RefillInterval: time.Millisecond}
	}
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{TestOrigin}
	}

	st := memory.New()
	verifier, err := auth.NewJWTVerifier("integration-secret", time.Hour)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	hub, err := server.New(server.Options{
		Store:          st,
		Verifier:       verifier,
		Heartbeat:      opts.Heartbeat,
		RateLimit:      opts.RateLimit,
		MaxMessageSize: opts.MaxMessageSize,
		AllowedOrigins: opts.AllowedOrigins,
	})
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Serve(ctx) }()

	ts := httptest.NewServer(server.SetupRoutes(hub, opts.Route))
	s := &Stack{
		Hub:      hub,
		Store:    st,
		Verifier: verifier,
		Server:   ts,
		WSURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		cancel:   cancel,
	}
	t.Cleanup(s.Close)
	return s
}

// Close stops the HTTP server and the hub. It is safe to call more than once.
func (s *Stack) Close() {
	s.Server.Close()
	s.cancel()
	_ = s.Hub.Shutdown(2 * time.Second)
}

// CreateUser stores a user and returns it with a signed token.
func (s *Stack) CreateUser(t *testing.T, firstName, lastName string) (*store.User, string) {
	t.Helper()
	u := &store.User{
		Email:     strings.ToLower(firstName+"."+lastName) + "@example.com",
		FirstName: firstName,
		LastName:  lastName,
	}
	if err := s.Store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	token, err := s.Verifier.Issue(u.Email)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return u, token
}

// CreateChannel stores a channel with the given members.
func (s *Stack) CreateChannel(t *testing.T, name string, members ...*store.User) *store.Channel {
	t.Helper()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	ch := &store.Channel{Name: name, UserIDs: ids}
	if err := s.Store.Channels().Create(context.Background(), ch); err != nil {
		t.Fatalf("Failed to create channel: %v", err)
	}
	return ch
}

// Connect dials the stack's WebSocket endpoint with token and waits for the
// initial presence snapshot.
func (s *Stack) Connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := ConnectWebSocket(t, s.WSURL, token)
	ReceiveEvent(t, conn, server.EventOnlineUsers)
	return conn
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// A non-empty token is sent as a bearer token. The response body is closed
// when the test ends.
func MakeRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeBody decodes a JSON response body into T.
func DecodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return v
}

// ConnectWebSocket establishes a WebSocket connection from TestOrigin. A
// non-empty token is passed as the token query parameter. The connection is
// closed when the test ends.
func ConnectWebSocket(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, err := DialWebSocket(wsURL, token, TestOrigin)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWebSocket dials without failing the test so callers can assert on
// handshake errors.
func DialWebSocket(wsURL, token, origin string) (*websocket.Conn, error) {
	if token != "" {
		wsURL += "?token=" + token
	}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// HandshakeError carries the HTTP status of a rejected upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string { return e.Err.Error() }

func (e *HandshakeError) Unwrap() error { return e.Err }

// Event is a decoded server frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SendEvent writes a typed event to the connection.
func SendEvent(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{eventType, data})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	SendRawMessage(t, conn, raw)
}

// SendRawMessage writes a raw text frame to the connection.
func SendRawMessage(t *testing.T, conn *websocket.Conn, payload []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
}

// ReadEvent reads the next frame within timeout.
func ReadEvent(conn *websocket.Conn, timeout time.Duration) (Event, error) {
	var ev Event
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ev, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(raw, &ev)
	return ev, err
}

// ReceiveEvent reads frames until one of eventType arrives and returns its
// data. Other events are skipped.
func ReceiveEvent(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()
	return ReceiveMatching(t, conn, eventType, nil)
}

// ReceiveMatching reads frames until one of eventType satisfies match.
func ReceiveMatching(t *testing.T, conn *websocket.Conn, eventType string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s event", eventType)
		}
		ev, err := ReadEvent(conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for %s event: %v", eventType, err)
		}
		if ev.Type == eventType && (match == nil || match(ev.Data)) {
			return ev.Data
		}
	}
}

// ReceiveInto reads the next eventType frame and decodes its data into v.
func ReceiveInto(t *testing.T, conn *websocket.Conn, eventType string, v any) {
	t.Helper()
	data := ReceiveEvent(t, conn, eventType)
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Failed to decode %s event: %v", eventType, err)
	}
}

// ReceiveBefore reads frames until one of eventType arrives and fails if any
// of the forbidden types shows up first.
func ReceiveBefore(t *testing.T, conn *websocket.Conn, eventType string, forbidden ...string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for {
		ev, err := ReadEvent(conn, time.Until(deadline))
		if err != nil {
			t.Fatalf("Failed waiting for %s event: %v", eventType, err)
		}
		if slices.Contains(forbidden, ev.Type) {
			t.Fatalf("Unexpected %s event before %s: %s", ev.Type, eventType, ev.Data)
		}
		if ev.Type == eventType {
			return ev.Data
		}
	}
}

// ExpectNoEvent fails if an eventType frame arrives within wait. The read
// deadline it hits leaves the connection unusable for further reads.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, eventType string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		ev, err := ReadEvent(conn, remaining)
		if err != nil {
			if isTimeout(err) {
				return
			}
			t.Fatalf("Connection failed while expecting silence: %v", err)
		}
		if ev.Type == eventType {
			t.Fatalf("Unexpected %s event: %s", eventType, ev.Data)
		}
	}
}

// OnlineCount matches an online-users payload with n entries.
func OnlineCount(n int) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var users []server.OnlineUser
		return json.Unmarshal(data, &users) == nil && len(users) == n
	}
}

// WaitForClose reads until the server closes the connection.
func WaitForClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for {
		if _, err := ReadEvent(conn, time.Until(deadline)); err != nil {
			if isTimeout(err) {
				t.Fatal("Connection was not closed by the server")
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err := conn.Close(); err != nil {
		t.Logf("Error closing WebSocket: %v", err)
	}
}
