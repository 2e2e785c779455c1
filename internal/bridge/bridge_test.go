package bridge_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/a-essam23/go-relay/internal/bridge"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestInprocDeliversToAllSubscribers(t *testing.T) {
	ch := bridge.NewInprocChannel()

	var mu sync.Mutex
	var got []string
	for i := 0; i < 2; i++ {
		if err := ch.Subscribe("room.broadcast", func(topic string, payload []byte) {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := ch.Publish("room.broadcast", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	for _, payload := range got {
		if payload != "hello" {
			t.Errorf("Expected payload 'hello', got %q", payload)
		}
	}
}

func TestInprocTopicIsolation(t *testing.T) {
	ch := bridge.NewInprocChannel()

	var delivered int
	ch.Subscribe("room.presence", func(string, []byte) { delivered++ })

	ch.Publish("room.broadcast", []byte("x"))
	if delivered != 0 {
		t.Errorf("Expected no delivery on a different topic, got %d", delivered)
	}
}

func TestBridgeAppliesTopicPrefix(t *testing.T) {
	ch := bridge.NewInprocChannel()
	b := bridge.New(newTestLogger(), ch, "relay")

	var gotTopic string
	if err := b.Subscribe("room.broadcast", func(topic string, _ []byte) {
		gotTopic = topic
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish("room.broadcast", []byte("x"))
	if gotTopic != "relay.room.broadcast" {
		t.Errorf("Expected prefixed topic, got %q", gotTopic)
	}
}

func TestBridgeCountsDroppedPublishes(t *testing.T) {
	ch := bridge.NewInprocChannel()
	b := bridge.New(newTestLogger(), ch, "")
	ch.Close()

	// Publishes while the channel is down are lost, not retried; the
	// counter makes the loss observable.
	b.Publish("room.broadcast", []byte("x"))
	b.Publish("room.broadcast", []byte("y"))

	if got := b.DroppedPublishes(); got != 2 {
		t.Errorf("Expected 2 dropped publishes, got %d", got)
	}
}
