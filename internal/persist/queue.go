package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-relay/internal/guard"
)

type QueueConfig struct {
	Size       int
	MaxRetries int
	RetryBase  time.Duration
}

// Queue decouples broadcast latency from storage latency: Enqueue never
// blocks, and a dedicated consumer goroutine writes messages behind the
// broadcast path. Storage failures are retried with backoff and, once retries
// are exhausted, surfaced as a security-adjacent failure record rather than
// an error on the broadcast path.
type Queue struct {
	store    MessageStore
	work     chan Message
	done     chan struct{}
	logger   *slog.Logger
	recorder *guard.Guard
	cfg      QueueConfig
}

func NewQueue(logger *slog.Logger, store MessageStore, recorder *guard.Guard, cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	q := &Queue{
		store:    store,
		work:     make(chan Message, cfg.Size),
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("component", "persistence_queue")),
		recorder: recorder,
		cfg:      cfg,
	}
	go q.consume()
	return q
}

// Enqueue hands a message to the consumer without blocking. When the queue is
// saturated the message is dropped and logged; history backfill is already
// best-effort, and broadcast must never stall on storage.
func (q *Queue) Enqueue(msg Message) {
	select {
	case q.work <- msg:
	default:
		q.logger.Error("Persistence queue full, dropping message", slog.String("messageID", msg.ID), slog.String("roomID", msg.RoomID))
		q.recordFailure(msg, "queue full")
	}
}

func (q *Queue) consume() {
	defer close(q.done)
	for msg := range q.work {
		q.persist(msg)
	}
}

func (q *Queue) persist(msg Message) {
	backoff := q.cfg.RetryBase
	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = q.store.Append(ctx, msg)
		cancel()
		if lastErr == nil {
			return
		}
		q.logger.Warn("Message append failed",
			slog.String("messageID", msg.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", lastErr),
		)
	}
	q.logger.Error("Message append retries exhausted", slog.String("messageID", msg.ID), slog.Any("error", lastErr))
	q.recordFailure(msg, fmt.Sprintf("append retries exhausted: %v", lastErr))
}

func (q *Queue) recordFailure(msg Message, detail string) {
	if q.recorder == nil {
		return
	}
	q.recorder.RecordEvent(guard.SecurityEvent{
		Kind:     guard.EventStorage,
		Severity: guard.SeverityMedium,
		Source:   msg.SenderID,
		Detail:   fmt.Sprintf("message %s in room %s: %s", msg.ID, msg.RoomID, detail),
	})
}

// Close stops intake and waits for the consumer to drain queued messages.
func (q *Queue) Close() {
	close(q.work)
	<-q.done
}
