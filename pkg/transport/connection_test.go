package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// newTestConnection builds a connection without a live socket. Run is never
// called, so only the lifecycle methods are exercised.
func newTestConnection(wg *sync.WaitGroup, onClose transport.OnCloseHandler) *transport.Connection {
	return transport.NewConnection(context.Background(), wg, nil, transport.ConnectionConfig{}, nil, onClose, newTestLogger())
}

func TestCloseIsIdempotent(t *testing.T) {
	var wg sync.WaitGroup
	closes := 0
	conn := newTestConnection(&wg, func(uuid.UUID, error) { closes++ })

	conn.Close(errors.New("first"))
	conn.Close(errors.New("second"))

	if closes != 1 {
		t.Errorf("Expected close handler to run once, ran %d times", closes)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Expected Done to be closed")
	}
	// The waitgroup slot taken at construction must be released exactly once.
	wg.Wait()
}

func TestSendAfterCloseIsNoOp(t *testing.T) {
	var wg sync.WaitGroup
	conn := newTestConnection(&wg, nil)
	conn.Close(nil)

	// A late frame is dropped or buffered harmlessly, never a panic.
	conn.Send([]byte("late"))
}

func TestTouchUpdatesLastActive(t *testing.T) {
	var wg sync.WaitGroup
	conn := newTestConnection(&wg, nil)
	defer conn.Close(nil)

	before := conn.LastActive()
	time.Sleep(2 * time.Millisecond)
	conn.Touch()
	if !conn.LastActive().After(before) {
		t.Error("Expected Touch to advance LastActive")
	}
}

func TestLatencyRollingEstimate(t *testing.T) {
	var wg sync.WaitGroup
	conn := newTestConnection(&wg, nil)
	defer conn.Close(nil)

	if conn.Latency() != 0 {
		t.Fatalf("Expected zero latency before sampling, got %v", conn.Latency())
	}

	// First sample seeds the estimate directly.
	conn.RecordLatency(100 * time.Millisecond)
	if conn.Latency() != 100*time.Millisecond {
		t.Errorf("Expected 100ms seed, got %v", conn.Latency())
	}

	// Later samples move the estimate part-way, not all the way.
	conn.RecordLatency(200 * time.Millisecond)
	got := conn.Latency()
	if got <= 100*time.Millisecond || got >= 200*time.Millisecond {
		t.Errorf("Expected smoothed value between samples, got %v", got)
	}
}
