package dedupe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// MemoryStore is the in-process dedupe backend. Expiry uses the monotonic
// clock; expired entries are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	reqIdx  map[string]string
	taskIdx map[string]string
}

type memEntry struct {
	e       domain.DedupeEntry
	expires time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		reqIdx:  make(map[string]string),
		taskIdx: make(map[string]string),
	}
}

func (m *memEntry) expired(now time.Time) bool {
	return !m.expires.IsZero() && now.After(m.expires)
}

func (s *MemoryStore) Get(_ context.Context, key string) (domain.DedupeEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.entries[key]
	if !ok {
		return domain.DedupeEntry{}, false, nil
	}
	if item.expired(time.Now()) {
		delete(s.entries, key)
		return domain.DedupeEntry{}, false, nil
	}
	return item.e, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e domain.DedupeEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.entries[key] = memEntry{e: e, expires: expires}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn func(domain.DedupeEntry) domain.DedupeEntry) (domain.DedupeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur domain.DedupeEntry
	if item, ok := s.entries[key]; ok && !item.expired(time.Now()) {
		cur = item.e
	}
	next := fn(cur)
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.entries[key] = memEntry{e: next, expires: expires}
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) (map[string]domain.DedupeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]domain.DedupeEntry)
	for key, item := range s.entries {
		if item.expired(now) {
			delete(s.entries, key)
			continue
		}
		if !strings.HasPrefix(key, entryPrefix) {
			continue
		}
		out[key] = item.e
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SetRequestIndex(_ context.Context, requestID, dedupeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqIdx[requestID] = dedupeKey
	return nil
}

func (s *MemoryStore) GetRequestIndex(_ context.Context, requestID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.reqIdx[requestID]
	return key, ok, nil
}

func (s *MemoryStore) SetTaskIndex(_ context.Context, jobID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskIdx[jobID] = taskID
	return nil
}

func (s *MemoryStore) GetTaskIndex(_ context.Context, jobID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.taskIdx[jobID]
	return taskID, ok, nil
}
