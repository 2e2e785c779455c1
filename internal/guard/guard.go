package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-relay/internal/cache"
)

// Limit is a fixed-window rate limit: at most Max actions per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// RateResult reports the outcome of a rate check.
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Config struct {
	EventBuffer int
}

// Guard is the abuse-control component: cross-process rate limiting on the
// cache tier, payload threat scanning, and a bounded security-event log with
// an asynchronous durable mirror.
type Guard struct {
	cache  *cache.TieredCache
	ring   *eventRing
	sink   EventSink
	mirror chan SecurityEvent
	done   chan struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger, tc *cache.TieredCache, sink EventSink, cfg Config) *Guard {
	g := &Guard{
		cache:  tc,
		ring:   newEventRing(cfg.EventBuffer),
		sink:   sink,
		mirror: make(chan SecurityEvent, 256),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "abuse_guard")),
	}
	go g.mirrorLoop()
	return g
}

// CheckRate atomically increments the fixed-window counter for (identity,
// action) and reports whether the action is allowed. Windows are aligned to
// wall-clock multiples of Limit.Window, so a boundary crossed at check time
// always starts a fresh window. On cache-backend failure the guard fails
// open: availability wins over strict enforcement here.
func (g *Guard) CheckRate(ctx context.Context, identity, action string, limit Limit) RateResult {
	if limit.Max <= 0 || limit.Window <= 0 {
		return RateResult{Allowed: true, Remaining: 1}
	}

	windowStart := time.Now().Truncate(limit.Window)
	resetAt := windowStart.Add(limit.Window)
	// Millisecond granularity: sub-second windows must not alias onto one
	// counter key.
	key := fmt.Sprintf("rl:%s:%s:%d", identity, action, windowStart.UnixMilli())

	count, err := g.cache.Incr(ctx, key, limit.Window)
	if err != nil {
		g.logger.Warn("Rate-limit backend unavailable, failing open",
			slog.String("identity", identity),
			slog.String("action", action),
			slog.Any("error", err),
		)
		return RateResult{Allowed: true, Remaining: limit.Max, ResetAt: resetAt}
	}

	remaining := limit.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := int(count) <= limit.Max
	if !allowed {
		g.RecordEvent(SecurityEvent{
			Kind:      EventRateLimit,
			Severity:  SeverityLow,
			Source:    identity,
			Detail:    fmt.Sprintf("action %q exceeded %d/%s", action, limit.Max, limit.Window),
			Timestamp: time.Now(),
		})
	}
	return RateResult{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
}

// ScanPayload wraps the package-level scanner and records a security event for
// any non-clean verdict.
func (g *Guard) ScanPayload(identity, text string) Verdict {
	verdict := ScanPayload(text)
	if !verdict.Clean() {
		g.RecordEvent(SecurityEvent{
			Kind:      EventThreat,
			Severity:  SeverityHigh,
			Source:    identity,
			Detail:    fmt.Sprintf("category %s matched %s", verdict.Category, verdict.Matched),
			Timestamp: time.Now(),
		})
	}
	return verdict
}

// RecordEvent appends to the bounded in-memory buffer and schedules the
// durable mirror write. The mirror never blocks the caller; when the mirror
// queue is full the event survives only in the ring.
func (g *Guard) RecordEvent(ev SecurityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	g.ring.append(ev)
	if g.sink == nil {
		return
	}
	select {
	case g.mirror <- ev:
	default:
		g.logger.Warn("Security-event mirror queue full, event kept in ring only", slog.String("kind", string(ev.Kind)))
	}
}

// RecentEvents returns the buffered events oldest-first.
func (g *Guard) RecentEvents() []SecurityEvent {
	return g.ring.snapshot()
}

func (g *Guard) mirrorLoop() {
	for ev := range g.mirror {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.sink.WriteSecurityEvent(ctx, ev); err != nil {
			g.logger.Warn("Failed to mirror security event", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
		}
		cancel()
	}
	close(g.done)
}

// Close drains the mirror queue and stops the writer goroutine.
func (g *Guard) Close() {
	close(g.mirror)
	if g.sink != nil {
		<-g.done
	}
}
