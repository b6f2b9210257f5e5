// Package eventcache is the dedup/persistence layer between the relay
// service and its callers: a keyed store of previously retrieved events
// plus the relays that served them, bucketed by event category.
package eventcache

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Entry pairs a cached event with the relays that have returned it.
type Entry struct {
	Event  *nostr.Event `json:"event"`
	Relays []string     `json:"relays"`
}

// Store persists whole buckets. The Cache in front owns all merge logic;
// backends only load and save opaque entry lists.
type Store interface {
	Load(ctx context.Context, bucket string) ([]Entry, error)
	Save(ctx context.Context, bucket string, entries []Entry) error
	Close() error
}

// MemoryStore keeps buckets in process memory. The default backend when no
// REDIS_URL is configured, and what tests use.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string][]Entry)}
}

func (s *MemoryStore) Load(ctx context.Context, bucket string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.buckets[bucket]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, bucket string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		delete(s.buckets, bucket)
		return nil
	}
	stored := make([]Entry, len(entries))
	copy(stored, entries)
	s.buckets[bucket] = stored
	return nil
}

func (s *MemoryStore) Close() error { return nil }
