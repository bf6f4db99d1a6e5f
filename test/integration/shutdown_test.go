package integration

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatecho/internal/auth"
	"github.com/Tyrowin/chatecho/internal/config"
	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/server"
	"github.com/Tyrowin/chatecho/internal/store/memory"
	"github.com/Tyrowin/chatecho/internal/supervisor"
	"github.com/Tyrowin/chatecho/test/testhelpers"
)

// TestGracefulShutdownClosesClients tests that shutting down the hub and the
// HTTP server disconnects every client and stops accepting new ones.
func TestGracefulShutdownClosesClients(t *testing.T) {
	stack := testhelpers.StartStack(t, testhelpers.StackOptions{})
	_, token := stack.CreateUser(t, "Alice", "Smith")

	conns := []*websocket.Conn{
		stack.Connect(t, ""),
		stack.Connect(t, token),
		stack.Connect(t, token),
	}

	if err := stack.Hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}
	for _, c := range conns {
		testhelpers.WaitForClose(t, c)
	}
	if n := stack.Hub.Registry().Len(); n != 0 {
		t.Fatalf("Expected no connections after shutdown, got %d", n)
	}
	if users := stack.Hub.Presence(); len(users) != 0 {
		t.Fatalf("Expected nobody online after shutdown, got %+v", users)
	}

	// upgrades after shutdown are refused
	if conn, err := testhelpers.DialWebSocket(stack.WSURL, "", testhelpers.TestOrigin); err == nil {
		testhelpers.WaitForClose(t, conn)
	}
}

// TestShutdownServerWaitsForRequests tests the HTTP server shutdown helper.
func TestShutdownServerWaitsForRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := server.CreateServer(config.ServerConfig{
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}, http.HandlerFunc(server.HealthHandler))

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp := testhelpers.MakeRequest(t, http.MethodGet, "http://"+ln.Addr().String()+"/health", "", nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	if err := server.ShutdownServer(srv, 2*time.Second); err != nil {
		t.Fatalf("ShutdownServer failed: %v", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("Expected http.ErrServerClosed, got %v", err)
	}
}

// TestSupervisedShutdown runs the hub and the HTTP server under the
// supervisor tree and cancels it with clients connected.
func TestSupervisedShutdown(t *testing.T) {
	addr := freeAddr(t)
	st := memory.New()
	verifier, err := auth.NewJWTVerifier("integration-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hub, err := server.New(server.Options{
		Store:          st,
		Verifier:       verifier,
		AllowedOrigins: []string{testhelpers.TestOrigin},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := server.CreateServer(config.ServerConfig{Port: addr}, server.SetupRoutes(hub, server.RouteConfig{}))

	tree := supervisor.NewTree(logging.NewSlog(), supervisor.TreeConfig{ShutdownTimeout: 2 * time.Second})
	tree.AddMessagingService(supervisor.NewHubService(hub, 2*time.Second))
	tree.AddAPIService(supervisor.NewHTTPService(srv, 2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	baseURL := "http://" + addr
	waitForHealth(t, baseURL)

	conn := testhelpers.ConnectWebSocket(t, "ws://"+addr+"/ws", "")
	testhelpers.ReceiveEvent(t, conn, server.EventOnlineUsers)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Supervisor tree did not stop")
	}

	testhelpers.WaitForClose(t, conn)
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) != 0 {
		t.Fatalf("Services did not stop: %+v", report)
	}
	if resp, err := http.Get(baseURL + "/health"); err == nil {
		_ = resp.Body.Close()
		t.Fatal("Expected the HTTP server to be stopped")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForHealth(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(testhelpers.DefaultTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Server did not become healthy")
}
