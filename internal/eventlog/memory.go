package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by deployments that
// run without Redis. Expiry is evaluated lazily on access.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memoryList
	ttl  time.Duration

	// now is swappable so expiry behaviour is testable.
	now func() time.Time
}

type memoryList struct {
	entries   []string
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		data: make(map[string]*memoryList),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.liveListLocked(key)
	if list == nil {
		list = &memoryList{}
		s.data[key] = list
	}
	list.entries = append(list.entries, string(data))
	list.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Range(_ context.Context, key string, start, count int64) ([]string, error) {
	count = clampCount(count)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.liveListLocked(key)
	if list == nil {
		return nil, nil
	}
	if start < 0 || start >= int64(len(list.entries)) {
		return nil, nil
	}
	end := start + count
	if end > int64(len(list.entries)) {
		end = int64(len(list.entries))
	}
	out := make([]string, end-start)
	copy(out, list.entries[start:end])
	return out, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if list := s.liveListLocked(key); list != nil {
		list.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*memoryList)
	return nil
}

// liveListLocked returns the list at key, dropping it first if it expired.
// Caller holds s.mu.
func (s *MemoryStore) liveListLocked(key string) *memoryList {
	list, ok := s.data[key]
	if !ok {
		return nil
	}
	if s.now().After(list.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return list
}
