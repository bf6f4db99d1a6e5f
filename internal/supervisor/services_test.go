package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/server"
	"github.com/Tyrowin/chatecho/internal/store/memory"
)

type fakeHTTPServer struct {
	stop     chan struct{}
	shutdown atomic.Bool
	failWith error
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.failWith != nil {
		return f.failWith
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	if f.shutdown.CompareAndSwap(false, true) {
		close(f.stop)
	}
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newFakeHTTPServer()
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if !srv.shutdown.Load() {
		t.Fatal("expected Shutdown to be called")
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newFakeHTTPServer()
	srv.failWith = errors.New("address in use")
	svc := NewHTTPService(srv, time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.failWith) {
		t.Fatalf("expected wrapped listen error, got %v", err)
	}
}

func newHub(t *testing.T) *server.Hub {
	t.Helper()
	h, err := server.New(server.Options{Store: memory.New()})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return h
}

func TestHubServiceStopsWithContext(t *testing.T) {
	svc := NewHubService(newHub(t), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub service did not stop")
	}
}

func TestHubServiceIsNotRestarted(t *testing.T) {
	h := newHub(t)
	svc := NewHubService(h, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = svc.Serve(ctx)

	if err := svc.Serve(context.Background()); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("expected ErrDoNotRestart for a second run, got %v", err)
	}
}

func TestTreeRunsServices(t *testing.T) {
	tree := NewTree(logging.NewSlog(), TreeConfig{ShutdownTimeout: time.Second})
	if tree.config.FailureThreshold != 5 || tree.config.FailureBackoff != 15*time.Second {
		t.Fatalf("defaults not applied: %+v", tree.config)
	}

	srv := newFakeHTTPServer()
	tree.AddMessagingService(NewHubService(newHub(t), time.Second))
	tree.AddAPIService(NewHTTPService(srv, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	if !srv.shutdown.Load() {
		t.Fatal("expected the HTTP server to be shut down")
	}
}
