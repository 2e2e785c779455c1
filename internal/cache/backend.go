package cache

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable wraps tier-2 transport failures. Callers that can
// degrade treat it as a miss; callers that cannot (authorization) fail closed.
var ErrBackendUnavailable = errors.New("distributed cache backend unavailable")

// Item is a tier-2 value together with its remaining TTL, so promotions into
// tier 1 never outlive the tier-2 copy.
type Item struct {
	Value []byte
	TTL   time.Duration
}

// Backend is the distributed (tier-2) cache shared across processes.
type Backend interface {
	Get(ctx context.Context, key string) (Item, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	MGet(ctx context.Context, keys []string) (map[string]Item, error)
	// Incr atomically increments a counter, starting its TTL on first use.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, glob string) error
	// Tag maintenance for bulk invalidation.
	AddTag(ctx context.Context, tag string, keys ...string) error
	InvalidateTag(ctx context.Context, tag string) error
	Close() error
}
