package guard

import (
	"context"
	"sync"
	"time"
)

type EventKind string

const (
	EventRateLimit    EventKind = "rate-limit"
	EventThreat       EventKind = "threat-pattern"
	EventAuthzFailure EventKind = "authorization-failure"
	EventStorage      EventKind = "storage-failure"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SecurityEvent is an immutable record of a detected abuse or threat signal.
type SecurityEvent struct {
	Kind      EventKind
	Severity  Severity
	Source    string // identity or address
	Detail    string
	Timestamp time.Time
}

// EventSink mirrors security events to durable storage for audit.
type EventSink interface {
	WriteSecurityEvent(ctx context.Context, ev SecurityEvent) error
}

// eventRing is a bounded ring buffer of recent events. Oldest entries are
// overwritten once capacity is reached.
type eventRing struct {
	mu     sync.Mutex
	events []SecurityEvent
	next   int
	full   bool
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &eventRing{events: make([]SecurityEvent, capacity)}
}

func (r *eventRing) append(ev SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns buffered events oldest-first.
func (r *eventRing) snapshot() []SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]SecurityEvent, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]SecurityEvent, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}
