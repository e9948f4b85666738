package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Resolve(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if !ok || s.expired(entry) {
		return Record{}, ErrNotFound
	}
	return decodeRecord(entry.payload)
}

func (s *MemoryStore) Put(_ context.Context, sessionID string, record Record, ttl time.Duration) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	s.PutRaw(sessionID, payload, ttl)
	return nil
}

// PutRaw stores an already-encoded payload. A non-positive ttl never expires.
func (s *MemoryStore) PutRaw(sessionID string, payload []byte, ttl time.Duration) {
	entry := memoryEntry{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = entry
}

// StartJanitor evicts expired entries until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictExpired()
			}
		}
	}()
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, id)
		}
	}
}
