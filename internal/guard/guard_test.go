package guard_test

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/cache"
	"github.com/a-essam23/go-relay/internal/guard"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestGuard(backend cache.Backend, sink guard.EventSink) *guard.Guard {
	tc := cache.NewTieredCache(newTestLogger(), backend, cache.Options{Tier1Capacity: 64})
	return guard.New(newTestLogger(), tc, sink, guard.Config{EventBuffer: 64})
}

// alignToWindow sleeps past the next wall-clock window boundary so a burst of
// checks cannot straddle two windows.
func alignToWindow(window time.Duration) {
	next := time.Now().Truncate(window).Add(window)
	time.Sleep(time.Until(next) + 10*time.Millisecond)
}

func TestCheckRateEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(cache.NewMemoryBackend(), nil)
	defer g.Close()

	limit := guard.Limit{Max: 3, Window: time.Second}
	alignToWindow(limit.Window)

	// 1. The first Max checks pass with decreasing headroom.
	for i := 0; i < 3; i++ {
		res := g.CheckRate(ctx, "user-1", "send", limit)
		if !res.Allowed {
			t.Fatalf("Check %d should be allowed", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Errorf("Check %d: expected remaining %d, got %d", i+1, 3-(i+1), res.Remaining)
		}
	}

	// 2. The next check is denied and reports when the window resets.
	res := g.CheckRate(ctx, "user-1", "send", limit)
	if res.Allowed {
		t.Fatal("Expected check over the limit to be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Expected remaining 0, got %d", res.Remaining)
	}
	if !res.ResetAt.After(time.Now()) {
		t.Errorf("Expected ResetAt in the future, got %v", res.ResetAt)
	}

	// 3. The denial shows up in the event buffer.
	events := g.RecentEvents()
	if len(events) != 1 || events[0].Kind != guard.EventRateLimit {
		t.Fatalf("Expected one rate-limit event, got %v", events)
	}
}

func TestCheckRateWindowReset(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(cache.NewMemoryBackend(), nil)
	defer g.Close()

	limit := guard.Limit{Max: 2, Window: 250 * time.Millisecond}
	alignToWindow(limit.Window)

	g.CheckRate(ctx, "user-1", "join", limit)
	g.CheckRate(ctx, "user-1", "join", limit)
	if res := g.CheckRate(ctx, "user-1", "join", limit); res.Allowed {
		t.Fatal("Expected third check in window to be denied")
	}

	// Crossing the boundary starts a fresh window with full headroom.
	alignToWindow(limit.Window)
	res := g.CheckRate(ctx, "user-1", "join", limit)
	if !res.Allowed {
		t.Fatal("Expected check after window reset to be allowed")
	}
	if res.Remaining != 1 {
		t.Errorf("Expected remaining 1 in fresh window, got %d", res.Remaining)
	}
}

func TestCheckRateSubSecondWindowsDistinct(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(cache.NewMemoryBackend(), nil)
	defer g.Close()

	// 500ms windows divide the second evenly, so two consecutive windows fall
	// inside the same wall-clock second. Their counters must not collide.
	limit := guard.Limit{Max: 1, Window: 500 * time.Millisecond}
	alignToWindow(time.Second)

	// 1. Spend the first window's allowance near its end so the counter is
	// still alive when the next window opens.
	time.Sleep(400 * time.Millisecond)
	if res := g.CheckRate(ctx, "user-1", "send", limit); !res.Allowed {
		t.Fatal("First check in window should be allowed")
	}

	// 2. The first check in the following window gets fresh headroom.
	alignToWindow(limit.Window)
	res := g.CheckRate(ctx, "user-1", "send", limit)
	if !res.Allowed {
		t.Fatal("Expected a fresh counter in the next sub-second window")
	}
	if res.Remaining != 0 {
		t.Errorf("Expected remaining 0 in fresh window, got %d", res.Remaining)
	}
}

func TestCheckRateIsolatesIdentitiesAndActions(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(cache.NewMemoryBackend(), nil)
	defer g.Close()

	limit := guard.Limit{Max: 1, Window: time.Minute}
	if res := g.CheckRate(ctx, "user-1", "send", limit); !res.Allowed {
		t.Fatal("First check for user-1/send should pass")
	}
	if res := g.CheckRate(ctx, "user-1", "send", limit); res.Allowed {
		t.Fatal("Second check for user-1/send should be denied")
	}
	// A different identity and a different action each get their own counter.
	if res := g.CheckRate(ctx, "user-2", "send", limit); !res.Allowed {
		t.Error("user-2 should not share user-1's counter")
	}
	if res := g.CheckRate(ctx, "user-1", "join", limit); !res.Allowed {
		t.Error("the join action should not share the send counter")
	}
}

func TestCheckRateFailsOpen(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	g := newTestGuard(backend, nil)
	defer g.Close()

	backend.SetFailing(true)
	res := g.CheckRate(ctx, "user-1", "send", guard.Limit{Max: 1, Window: time.Minute})
	if !res.Allowed {
		t.Fatal("Expected rate check to fail open when the backend is down")
	}
}

func TestCheckRateZeroLimitDisabled(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(cache.NewMemoryBackend(), nil)
	defer g.Close()

	for i := 0; i < 10; i++ {
		if res := g.CheckRate(ctx, "user-1", "send", guard.Limit{}); !res.Allowed {
			t.Fatal("Zero-valued limit should disable enforcement")
		}
	}
}

// --- Payload Scanning ---

func TestScanPayload(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		category guard.ThreatCategory
	}{
		{"clean text", "hello, how are you?", guard.ThreatNone},
		{"empty payload", "", guard.ThreatNone},
		{"script tag", `hi <script>alert(1)</script>`, guard.ThreatScriptInjection},
		{"script tag mixed case", `<ScRiPt src=x>`, guard.ThreatScriptInjection},
		{"iframe", `<iframe src="evil">`, guard.ThreatScriptInjection},
		{"javascript url", `click javascript:doEvil()`, guard.ThreatScriptInjection},
		{"event handler", `<img onerror=steal()>`, guard.ThreatScriptInjection},
		{"union select", "x' UNION SELECT password FROM users--", guard.ThreatQueryInjection},
		{"drop table", "Robert'); DROP TABLE students;--", guard.ThreatQueryInjection},
		{"tautology", `' or 1=1`, guard.ThreatQueryInjection},
		{"percent-encoded script", `%3Cscript%3Ealert(1)%3C%2Fscript%3E`, guard.ThreatScriptInjection},
		{"sql words in prose", "please select the union representative from the table", guard.ThreatNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := guard.ScanPayload(tc.payload)
			if verdict.Category != tc.category {
				t.Errorf("ScanPayload(%q): expected %s, got %s (matched %q)",
					tc.payload, tc.category, verdict.Category, verdict.Matched)
			}
		})
	}
}

func TestGuardScanRecordsThreatEvent(t *testing.T) {
	g := newTestGuard(cache.NewMemoryBackend(), nil)
	defer g.Close()

	verdict := g.ScanPayload("user-1", `<script>bad()</script>`)
	if verdict.Clean() {
		t.Fatal("Expected threat verdict")
	}
	events := g.RecentEvents()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Kind != guard.EventThreat || events[0].Source != "user-1" {
		t.Errorf("Unexpected event: %+v", events[0])
	}
}

// --- Event Buffer and Mirror ---

func TestRecentEventsBounded(t *testing.T) {
	backend := cache.NewMemoryBackend()
	tc := cache.NewTieredCache(newTestLogger(), backend, cache.Options{Tier1Capacity: 64})
	g := guard.New(newTestLogger(), tc, nil, guard.Config{EventBuffer: 3})
	defer g.Close()

	for i := 0; i < 5; i++ {
		g.RecordEvent(guard.SecurityEvent{
			Kind:   guard.EventRateLimit,
			Source: "user-" + strconv.Itoa(i),
		})
	}

	events := g.RecentEvents()
	if len(events) != 3 {
		t.Fatalf("Expected buffer capped at 3, got %d", len(events))
	}
	// Oldest-first ordering with the two oldest evicted.
	for i, ev := range events {
		want := "user-" + strconv.Itoa(i+2)
		if ev.Source != want {
			t.Errorf("Event %d: expected source %s, got %s", i, want, ev.Source)
		}
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []guard.SecurityEvent
}

func (s *captureSink) WriteSecurityEvent(_ context.Context, ev guard.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEventsMirroredToSink(t *testing.T) {
	sink := &captureSink{}
	g := newTestGuard(cache.NewMemoryBackend(), sink)

	g.RecordEvent(guard.SecurityEvent{Kind: guard.EventStorage, Source: "queue"})
	g.RecordEvent(guard.SecurityEvent{Kind: guard.EventThreat, Source: "user-1"})

	// Close drains the mirror queue before returning.
	g.Close()

	if sink.len() != 2 {
		t.Fatalf("Expected 2 mirrored events, got %d", sink.len())
	}
}
