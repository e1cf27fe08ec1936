package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

const defaultMemorySize = 1024

// MemoryStore is a size-bounded LRU with per-entry expiry. Expired entries are
// removed on the read that observes them.
type MemoryStore struct {
	entries *lru.Cache[string, domain.CacheEntry]
	now     func() time.Time
}

func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = defaultMemorySize
	}
	entries, err := lru.New[string, domain.CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{entries: entries, now: time.Now}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if entry.Expired(s.now()) {
		s.entries.Remove(key)
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries.Add(key, domain.CacheEntry{
		Key:       key,
		Value:     stored,
		CreatedAt: s.now(),
		TTL:       ttl,
	})
	return nil
}

func (s *MemoryStore) Purge(context.Context) error {
	s.entries.Purge()
	return nil
}

func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
