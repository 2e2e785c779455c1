package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend. It serves single-node deployments
// and tests; cross-process setups use the redis backend instead.
type MemoryBackend struct {
	mu     sync.Mutex
	items  map[string]memoryItem
	tags   map[string]map[string]struct{}
	failed bool // trips every call into ErrBackendUnavailable, for tests
}

type memoryItem struct {
	value     []byte
	counter   int64
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]memoryItem),
		tags:  make(map[string]map[string]struct{}),
	}
}

var _ Backend = (*MemoryBackend)(nil)

// SetFailing makes every subsequent operation report backend unavailability.
func (b *MemoryBackend) SetFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = failing
}

func (b *MemoryBackend) liveItemLocked(key string) (memoryItem, bool) {
	item, ok := b.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(b.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (b *MemoryBackend) Get(_ context.Context, key string) (Item, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return Item{}, false, ErrBackendUnavailable
	}
	item, ok := b.liveItemLocked(key)
	if !ok {
		return Item{}, false, nil
	}
	return Item{Value: item.value, TTL: time.Until(item.expiresAt)}, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return ErrBackendUnavailable
	}
	b.items[key] = memoryItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) MGet(_ context.Context, keys []string) (map[string]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return nil, ErrBackendUnavailable
	}
	found := make(map[string]Item)
	for _, key := range keys {
		if item, ok := b.liveItemLocked(key); ok {
			found[key] = Item{Value: item.value, TTL: time.Until(item.expiresAt)}
		}
	}
	return found, nil
}

func (b *MemoryBackend) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return 0, ErrBackendUnavailable
	}
	item, ok := b.liveItemLocked(key)
	if !ok {
		item = memoryItem{expiresAt: time.Now().Add(window)}
	}
	item.counter++
	b.items[key] = item
	return item.counter, nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return ErrBackendUnavailable
	}
	for _, key := range keys {
		delete(b.items, key)
	}
	return nil
}

func (b *MemoryBackend) DeletePattern(_ context.Context, glob string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return ErrBackendUnavailable
	}
	for key := range b.items {
		if ok, err := path.Match(glob, key); err == nil && ok {
			delete(b.items, key)
		}
	}
	return nil
}

func (b *MemoryBackend) AddTag(_ context.Context, tag string, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return ErrBackendUnavailable
	}
	set, ok := b.tags[tag]
	if !ok {
		set = make(map[string]struct{})
		b.tags[tag] = set
	}
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) InvalidateTag(_ context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return ErrBackendUnavailable
	}
	for key := range b.tags[tag] {
		delete(b.items, key)
	}
	delete(b.tags, tag)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
