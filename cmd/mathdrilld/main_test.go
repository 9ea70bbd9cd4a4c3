package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// fakeServer blocks in Start until Shutdown, unless startErr is set.
type fakeServer struct {
	startErr error

	mu        sync.Mutex
	shutdowns int
	deadline  bool
	stopped   chan struct{}
}

func newFakeServer(startErr error) *fakeServer {
	return &fakeServer{startErr: startErr, stopped: make(chan struct{})}
}

func (f *fakeServer) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	<-f.stopped
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	_, f.deadline = ctx.Deadline()
	if f.shutdowns == 1 {
		close(f.stopped)
	}
	return nil
}

func TestServe_StartFailureShutsDown(t *testing.T) {
	srv := newFakeServer(errors.New("listen tcp :8080: address already in use"))

	err := serve(srv, make(chan os.Signal), time.Second)
	if err == nil {
		t.Fatal("serve() should return the start error")
	}
	if srv.shutdowns != 1 {
		t.Errorf("Shutdown called %d times, want 1", srv.shutdowns)
	}
	if !srv.deadline {
		t.Error("Shutdown context should carry a deadline")
	}
}

func TestServe_SignalShutsDown(t *testing.T) {
	srv := newFakeServer(nil)
	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	done := make(chan error, 1)
	go func() { done <- serve(srv, sigCh, time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve() did not return after a signal")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.shutdowns != 1 {
		t.Errorf("Shutdown called %d times, want 1", srv.shutdowns)
	}
}
