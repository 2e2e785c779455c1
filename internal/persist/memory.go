package persist

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps appended messages in memory. It backs tests and
// storage-less single-node runs.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]Message
	failures int // fail the next N appends, for tests
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]Message)}
}

var _ MessageStore = (*MemoryStore)(nil)

// FailNext makes the next n Append calls return an error.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *MemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("simulated storage failure")
	}
	// idempotent on id
	if _, exists := s.messages[msg.ID]; exists {
		return nil
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *MemoryStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, msg)
	}
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
