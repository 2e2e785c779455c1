package cache_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/cache"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestCache(backend cache.Backend, opts cache.Options) *cache.TieredCache {
	return cache.NewTieredCache(newTestLogger(), backend, opts)
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(cache.NewMemoryBackend(), cache.Options{Tier1Capacity: 16})

	c.Set(ctx, "greeting", []byte("hello"), time.Minute)

	got, ok := c.Get(ctx, "greeting")
	if !ok {
		t.Fatal("Expected hit for freshly set key")
	}
	if string(got) != "hello" {
		t.Errorf("Expected 'hello', got %q", got)
	}

	if _, ok := c.Get(ctx, "absent"); ok {
		t.Error("Expected miss for unknown key")
	}
}

func TestTierPromotion(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	// Two cache instances sharing a backend model two processes.
	writer := newTestCache(backend, cache.Options{Tier1Capacity: 16, Tier1MaxTTL: time.Minute})
	reader := newTestCache(backend, cache.Options{Tier1Capacity: 16, Tier1MaxTTL: time.Minute})

	writer.Set(ctx, "room:lastmsg:general", []byte(`{"content":"hi"}`), time.Minute)

	// 1. First read on the second process misses tier 1 and hits tier 2.
	if _, ok := reader.Get(ctx, "room:lastmsg:general"); !ok {
		t.Fatal("Expected tier-2 hit on first read")
	}
	stats := reader.Stats()
	if stats.Tier2Hits != 1 || stats.Tier1Hits != 0 {
		t.Fatalf("Expected one tier-2 hit, got stats %+v", stats)
	}

	// 2. The value was promoted; the second read is served locally.
	if _, ok := reader.Get(ctx, "room:lastmsg:general"); !ok {
		t.Fatal("Expected tier-1 hit on second read")
	}
	stats = reader.Stats()
	if stats.Tier1Hits != 1 {
		t.Errorf("Expected one tier-1 hit after promotion, got stats %+v", stats)
	}
	if stats.HitRate != 1 {
		t.Errorf("Expected hit rate 1.0, got %f", stats.HitRate)
	}
}

func TestPromotionRespectsRemainingTTL(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	writer := newTestCache(backend, cache.Options{Tier1Capacity: 16, Tier1MaxTTL: time.Hour})
	reader := newTestCache(backend, cache.Options{Tier1Capacity: 16, Tier1MaxTTL: time.Hour})

	// Even with a generous tier-1 ceiling the promoted copy may not
	// outlive the authoritative tier-2 entry.
	writer.Set(ctx, "short", []byte("v"), 30*time.Millisecond)
	if _, ok := reader.Get(ctx, "short"); !ok {
		t.Fatal("Expected initial hit")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := reader.Get(ctx, "short"); ok {
		t.Error("Expected promoted entry to expire with its source TTL")
	}
}

func TestTier1CapacityEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(cache.NewMemoryBackend(), cache.Options{Tier1Capacity: 3, Tier1MaxTTL: time.Minute})

	for i := 0; i < 5; i++ {
		c.Set(ctx, "k"+strconv.Itoa(i), []byte("v"), time.Minute)
		time.Sleep(2 * time.Millisecond) // distinct creation times
	}

	stats := c.Stats()
	if stats.Tier1Size > 3 {
		t.Fatalf("Expected tier 1 capped at 3 entries, got %d", stats.Tier1Size)
	}

	// Evicted entries remain readable through tier 2.
	if _, ok := c.Get(ctx, "k0"); !ok {
		t.Error("Expected evicted key to be served from tier 2")
	}
	if c.Stats().Tier2Hits == 0 {
		t.Error("Expected the evicted key to count as a tier-2 hit")
	}
}

func TestInvalidateByTag(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	c := newTestCache(backend, cache.Options{Tier1Capacity: 16})
	other := newTestCache(backend, cache.Options{Tier1Capacity: 16})

	c.Set(ctx, "authz:u1:general", []byte("1"), time.Minute, "authz:user:u1")
	c.Set(ctx, "authz:u1:dev", []byte("1"), time.Minute, "authz:user:u1")
	c.Set(ctx, "authz:u2:general", []byte("1"), time.Minute, "authz:user:u2")
	other.Get(ctx, "authz:u1:general") // promote into the second process

	c.InvalidateByTag(ctx, "authz:user:u1")

	if _, ok := c.Get(ctx, "authz:u1:general"); ok {
		t.Error("Expected tagged key to be invalidated")
	}
	if _, ok := c.Get(ctx, "authz:u1:dev"); ok {
		t.Error("Expected second tagged key to be invalidated")
	}
	if _, ok := c.Get(ctx, "authz:u2:general"); !ok {
		t.Error("Expected unrelated key to survive tag invalidation")
	}
	// The local tier of the writing process is purged; the other
	// process's promoted copy ages out via its own TTL.
	if _, ok, _ := backend.Get(ctx, "authz:u1:general"); ok {
		t.Error("Expected tier-2 copy to be removed")
	}
}

func TestInvalidateByTagCoversPromotedEntries(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	c := newTestCache(backend, cache.Options{Tier1Capacity: 2, Tier1MaxTTL: time.Minute})

	// 1. Write a tagged verdict, then push it out of tier 1 via capacity
	// pressure so only the tier-2 copy remains.
	c.Set(ctx, "authz:u1:general", []byte("1"), time.Minute, "authz:user:u1")
	time.Sleep(2 * time.Millisecond)
	c.Set(ctx, "filler-a", []byte("x"), time.Minute)
	time.Sleep(2 * time.Millisecond)
	c.Set(ctx, "filler-b", []byte("x"), time.Minute)

	// 2. Re-read: the tier-2 hit promotes the entry back into tier 1.
	if _, ok := c.Get(ctx, "authz:u1:general"); !ok {
		t.Fatal("Expected tier-2 hit before invalidation")
	}
	if c.Stats().Tier2Hits != 1 {
		t.Fatalf("Expected the read to come from tier 2, stats %+v", c.Stats())
	}

	// 3. Tag invalidation must remove the promoted tier-1 copy too; the
	// tag set travels with the tier-2 value for exactly this reason.
	c.InvalidateByTag(ctx, "authz:user:u1")
	if val, ok := c.Get(ctx, "authz:u1:general"); ok {
		t.Fatalf("Promoted copy survived tag invalidation: %q", val)
	}
}

func TestInvalidateByPattern(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(cache.NewMemoryBackend(), cache.Options{Tier1Capacity: 16})

	c.Set(ctx, "user:rooms:u1", []byte("[]"), time.Minute)
	c.Set(ctx, "user:rooms:u2", []byte("[]"), time.Minute)
	c.Set(ctx, "presence:u1", []byte("1"), time.Minute)

	c.InvalidateByPattern(ctx, "user:rooms:*")

	if _, ok := c.Get(ctx, "user:rooms:u1"); ok {
		t.Error("Expected pattern match to be invalidated")
	}
	if _, ok := c.Get(ctx, "user:rooms:u2"); ok {
		t.Error("Expected pattern match to be invalidated")
	}
	if _, ok := c.Get(ctx, "presence:u1"); !ok {
		t.Error("Expected non-matching key to survive")
	}
}

func TestMultiGet(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	writer := newTestCache(backend, cache.Options{Tier1Capacity: 16})
	reader := newTestCache(backend, cache.Options{Tier1Capacity: 16})

	writer.Set(ctx, "a", []byte("1"), time.Minute)
	writer.Set(ctx, "b", []byte("2"), time.Minute)
	reader.Get(ctx, "a") // a now sits in the reader's tier 1

	got := reader.MultiGet(ctx, []string{"a", "b", "missing"})
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d: %v", len(got), got)
	}
	if string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Errorf("Unexpected values: %v", got)
	}
}

func TestBackendFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	c := newTestCache(backend, cache.Options{Tier1Capacity: 16})

	backend.SetFailing(true)

	// Reads degrade to a miss instead of erroring.
	if _, ok := c.Get(ctx, "anything"); ok {
		t.Error("Expected miss when the backend is down")
	}

	// Writes still land in tier 1, so the local process keeps working.
	c.Set(ctx, "local", []byte("v"), time.Minute)
	if got, ok := c.Get(ctx, "local"); !ok || string(got) != "v" {
		t.Errorf("Expected tier-1 copy to survive backend outage, got %q ok=%v", got, ok)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	writer := newTestCache(backend, cache.Options{Tier1Capacity: 16, CompressThreshold: 64})
	reader := newTestCache(backend, cache.Options{Tier1Capacity: 16, CompressThreshold: 64})

	// Highly repetitive payload well past the threshold.
	payload := bytes.Repeat([]byte("lorem ipsum "), 100)
	writer.Set(ctx, "big", payload, time.Minute)

	// The stored tier-2 form must be smaller than the input.
	item, ok, err := backend.Get(ctx, "big")
	if err != nil || !ok {
		t.Fatalf("Expected raw backend entry, ok=%v err=%v", ok, err)
	}
	if len(item.Value) >= len(payload) {
		t.Errorf("Expected compressed storage, got %d bytes for %d input", len(item.Value), len(payload))
	}

	// A second process decodes it transparently.
	got, ok := reader.Get(ctx, "big")
	if !ok {
		t.Fatal("Expected hit on compressed value")
	}
	if !bytes.Equal(got, payload) {
		t.Error("Decompressed payload does not match the original")
	}
}

func TestSmallValuesStoredRaw(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend()
	c := newTestCache(backend, cache.Options{Tier1Capacity: 16, CompressThreshold: 1024})

	c.Set(ctx, "tiny", []byte("x"), time.Minute)
	item, ok, _ := backend.Get(ctx, "tiny")
	if !ok {
		t.Fatal("Expected backend entry")
	}
	// Header byte, empty tag block, then the value itself.
	if len(item.Value) != 3 {
		t.Errorf("Expected raw encoding of 3 bytes, got %d", len(item.Value))
	}
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(cache.NewMemoryBackend(), cache.Options{Tier1Capacity: 16})

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected counter %d, got %d", want, got)
		}
	}
}
