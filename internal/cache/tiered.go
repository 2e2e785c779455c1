package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
)

// Tier-2 values carry a one-byte header (raw vs snappy body) followed by the
// entry's tag set. Tags travel with the value so a tier-2 read can promote
// into tier 1 without losing tag-invalidation coverage.
const (
	encRaw    = 0x00
	encSnappy = 0x01
)

type Options struct {
	Tier1Capacity int
	// Tier1MaxTTL caps how long an entry may live in the process-local tier.
	// It is also the ceiling applied on tier-2 promotion.
	Tier1MaxTTL time.Duration
	// Values at or above CompressThreshold bytes are snappy-encoded in tier 2.
	CompressThreshold int
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Tier1Hits    uint64
	Tier2Hits    uint64
	Misses       uint64
	HitRate      float64
	Tier1Size    int
	ApproxMemory int
}

// TieredCache is a two-level read-through cache: a process-local TTL map in
// front of a distributed backend. Suited to hot, frequently re-read facts
// (authorization verdicts, presence flags, short-lived message echoes).
type TieredCache struct {
	tier1   *tier1Store
	backend Backend
	opts    Options
	logger  *slog.Logger

	tier1Hits atomic.Uint64
	tier2Hits atomic.Uint64
	misses    atomic.Uint64
}

func NewTieredCache(logger *slog.Logger, backend Backend, opts Options) *TieredCache {
	if opts.Tier1MaxTTL <= 0 {
		opts.Tier1MaxTTL = time.Minute
	}
	if opts.CompressThreshold <= 0 {
		opts.CompressThreshold = 4096
	}
	return &TieredCache{
		tier1:   newTier1Store(opts.Tier1Capacity),
		backend: backend,
		opts:    opts,
		logger:  logger.With(slog.String("component", "tiered_cache")),
	}
}

// Get checks tier 1 first; on miss it consults tier 2 and, if found, promotes
// the value into tier 1 before returning. Tier-2 failures degrade to a miss.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if entry, ok := c.tier1.get(key); ok {
		c.tier1Hits.Add(1)
		return entry.Payload, true
	}

	item, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Tier-2 get failed, treating as miss", slog.String("key", key), slog.Any("error", err))
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	payload, compressed, tags, err := decode(item.Value)
	if err != nil {
		c.logger.Error("Corrupt tier-2 value, dropping", slog.String("key", key), slog.Any("error", err))
		c.misses.Add(1)
		return nil, false
	}
	c.tier2Hits.Add(1)
	c.promote(key, payload, compressed, item.TTL, tags)
	return payload, true
}

// MultiGet batches tier-1 lookups, then issues a single tier-2 lookup for the
// remaining misses, promoting whatever it finds.
func (c *TieredCache) MultiGet(ctx context.Context, keys []string) map[string][]byte {
	found := make(map[string][]byte, len(keys))
	var missing []string
	for _, key := range keys {
		if entry, ok := c.tier1.get(key); ok {
			c.tier1Hits.Add(1)
			found[key] = entry.Payload
		} else {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return found
	}

	items, err := c.backend.MGet(ctx, missing)
	if err != nil {
		c.logger.Warn("Tier-2 multi-get failed, treating as misses", slog.Any("error", err))
		c.misses.Add(uint64(len(missing)))
		return found
	}
	for _, key := range missing {
		item, ok := items[key]
		if !ok {
			c.misses.Add(1)
			continue
		}
		payload, compressed, tags, err := decode(item.Value)
		if err != nil {
			c.misses.Add(1)
			continue
		}
		c.tier2Hits.Add(1)
		c.promote(key, payload, compressed, item.TTL, tags)
		found[key] = payload
	}
	return found
}

// Set writes to both tiers. The tier-1 copy is capped at Tier1MaxTTL so it can
// never outlive the tier-2 copy. A tier-2 failure is logged and swallowed.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) {
	compressed := len(value) >= c.opts.CompressThreshold
	c.promote(key, value, compressed, ttl, tags)

	encoded := encode(value, compressed, tags)
	if err := c.backend.Set(ctx, key, encoded, ttl); err != nil {
		c.logger.Warn("Tier-2 set failed, tier-1 copy only", slog.String("key", key), slog.Any("error", err))
		return
	}
	for _, tag := range tags {
		if err := c.backend.AddTag(ctx, tag, key); err != nil {
			c.logger.Warn("Tier-2 tag write failed", slog.String("tag", tag), slog.Any("error", err))
		}
	}
}

func (c *TieredCache) promote(key string, payload []byte, compressed bool, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		return
	}
	if ttl > c.opts.Tier1MaxTTL {
		ttl = c.opts.Tier1MaxTTL
	}
	now := time.Now()
	c.tier1.set(key, &Entry{
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Tags:       tags,
		Size:       len(payload),
		Compressed: compressed,
	})
}

// Incr bumps a fixed-window counter on tier 2 only; counters are shared across
// processes, so the local tier is bypassed entirely.
func (c *TieredCache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.backend.Incr(ctx, key, window)
}

func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	c.tier1.delete(key)
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn("Tier-2 delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *TieredCache) InvalidateByTag(ctx context.Context, tag string) {
	c.tier1.deleteByTag(tag)
	if err := c.backend.InvalidateTag(ctx, tag); err != nil {
		c.logger.Warn("Tier-2 tag invalidation failed", slog.String("tag", tag), slog.Any("error", err))
	}
}

func (c *TieredCache) InvalidateByPattern(ctx context.Context, glob string) {
	c.tier1.deleteByPattern(glob)
	if err := c.backend.DeletePattern(ctx, glob); err != nil {
		c.logger.Warn("Tier-2 pattern invalidation failed", slog.String("pattern", glob), slog.Any("error", err))
	}
}

func (c *TieredCache) Stats() Stats {
	t1 := c.tier1Hits.Load()
	t2 := c.tier2Hits.Load()
	misses := c.misses.Load()
	total := t1 + t2 + misses

	s := Stats{
		Tier1Hits:    t1,
		Tier2Hits:    t2,
		Misses:       misses,
		Tier1Size:    c.tier1.size(),
		ApproxMemory: c.tier1.approxMemory(),
	}
	if total > 0 {
		s.HitRate = float64(t1+t2) / float64(total)
	}
	return s
}

func (c *TieredCache) Close() error {
	return c.backend.Close()
}

// Layout: header byte, uvarint tag count, (uvarint length + bytes) per tag,
// then the body (snappy-encoded when the header says so).
func encode(value []byte, compress bool, tags []string) []byte {
	body := value
	header := byte(encRaw)
	if compress {
		body = snappy.Encode(nil, value)
		header = encSnappy
	}
	out := make([]byte, 0, len(body)+16)
	out = append(out, header)
	out = binary.AppendUvarint(out, uint64(len(tags)))
	for _, tag := range tags {
		out = binary.AppendUvarint(out, uint64(len(tag)))
		out = append(out, tag...)
	}
	return append(out, body...)
}

func decode(raw []byte) (payload []byte, compressed bool, tags []string, err error) {
	if len(raw) < 2 {
		return nil, false, nil, fmt.Errorf("truncated cache value")
	}
	header := raw[0]
	rest := raw[1:]

	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, false, nil, fmt.Errorf("malformed tag count")
	}
	rest = rest[n:]
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest[n:])) < length {
			return nil, false, nil, fmt.Errorf("malformed tag block")
		}
		rest = rest[n:]
		tags = append(tags, string(rest[:length]))
		rest = rest[length:]
	}

	switch header {
	case encRaw:
		return rest, false, tags, nil
	case encSnappy:
		body, err := snappy.Decode(nil, rest)
		if err != nil {
			return nil, false, nil, fmt.Errorf("snappy decode: %w", err)
		}
		return body, true, tags, nil
	default:
		return nil, false, nil, fmt.Errorf("unknown cache value header %#x", header)
	}
}
