package cache

import (
	"path"
	"sync"
	"time"
)

// Entry is one tier-1 cached value.
type Entry struct {
	Payload    []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Tags       []string
	Size       int
	Compressed bool // tier-2 copy is snappy-encoded
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// tier1Store is the in-process cache level. Eviction under capacity pressure
// removes the oldest-created entry; the linear scan is acceptable at the
// configured capacities (hundreds to low thousands of entries).
type tier1Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	capacity int
}

func newTier1Store(capacity int) *tier1Store {
	if capacity <= 0 {
		capacity = 1024
	}
	return &tier1Store{
		entries:  make(map[string]*Entry),
		capacity: capacity,
	}
}

func (s *tier1Store) get(key string) (*Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent set may have replaced it.
		if cur, ok := s.entries[key]; ok && cur.expired(time.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return entry, true
}

func (s *tier1Store) set(key string, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.capacity {
		s.evictOldestLocked()
	}
	s.entries[key] = entry
}

// evictOldestLocked drops the entry with the oldest creation timestamp.
func (s *tier1Store) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range s.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

func (s *tier1Store) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *tier1Store) deleteByTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		for _, t := range entry.Tags {
			if t == tag {
				delete(s.entries, key)
				break
			}
		}
	}
}

func (s *tier1Store) deleteByPattern(glob string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if ok, err := path.Match(glob, key); err == nil && ok {
			delete(s.entries, key)
		}
	}
}

func (s *tier1Store) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *tier1Store) approxMemory() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for key, entry := range s.entries {
		total += len(key) + entry.Size
	}
	return total
}
