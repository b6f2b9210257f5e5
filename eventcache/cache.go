package eventcache

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nostr-aggregator/events"
)

const defaultBucketTTL = 24 * time.Hour

// Cache is the process-wide content cache. Buckets are lists of entries
// deduplicated by event id; for replaceable kinds at most one entry per
// author survives, always the most recent by created_at. All mutation is
// upsert, so concurrent readers never observe a half-written entry.
type Cache struct {
	mu      sync.RWMutex
	store   Store
	buckets map[string][]Entry
	loaded  map[string]bool

	// Serializes backend writes. Each save re-snapshots under mu after
	// taking this lock, so a slow save can never persist a state older
	// than one already written.
	saveMu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

func New(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{
		store:   store,
		buckets: make(map[string][]Entry),
		loaded:  make(map[string]bool),
	}
}

// NewFromEnv picks the backend the way the rest of the stack does: Redis
// when REDIS_URL is set and reachable, in-memory otherwise.
func NewFromEnv() *Cache {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return New(NewMemoryStore())
	}
	store, err := NewRedisStore(redisURL, "aggregator:", defaultBucketTTL)
	if err != nil {
		slog.Warn("redis unavailable, using memory cache", "error", err)
		return New(NewMemoryStore())
	}
	slog.Info("event cache backed by redis")
	return New(store)
}

// GetEvents returns whatever is cached for the bucket. It never queries the
// network; an empty result just means nothing has been stored yet.
func (c *Cache) GetEvents(bucket string) []Entry {
	c.ensureLoaded(bucket)

	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.buckets[bucket]
	if len(entries) == 0 {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// StoreEvents upserts entries into the bucket. An entry whose event id is
// already present only widens the relay provenance set; for replaceable
// kinds an entry for an already-present author is accepted only when its
// created_at is strictly greater, and then replaces the older one.
func (c *Cache) StoreEvents(bucket string, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	c.ensureLoaded(bucket)

	c.mu.Lock()
	current := c.buckets[bucket]
	for _, entry := range entries {
		if entry.Event == nil || entry.Event.ID == "" {
			continue
		}
		current = upsert(current, entry)
	}
	c.buckets[bucket] = current
	c.mu.Unlock()

	c.persist(bucket)
}

// persist writes the bucket's current state through to the backend. The
// snapshot is taken after acquiring the save lock, so concurrent stores
// can race on merge order but the backend always ends up with the state
// that includes every completed merge. Persistence failure degrades to
// memory-only.
func (c *Cache) persist(bucket string) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	entries := c.buckets[bucket]
	snapshot := make([]Entry, len(entries))
	copy(snapshot, entries)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Save(ctx, bucket, snapshot); err != nil {
		slog.Warn("cache: persist failed", "bucket", bucket, "error", err)
	}
}

// Clear drops every bucket, in memory and in the backing store. Invoked on
// account switch and explicit cache clears.
func (c *Cache) Clear() {
	c.mu.Lock()
	buckets := make([]string, 0, len(c.buckets))
	for b := range c.buckets {
		buckets = append(buckets, b)
	}
	c.buckets = make(map[string][]Entry)
	c.loaded = make(map[string]bool)
	c.mu.Unlock()

	for _, b := range buckets {
		c.persist(b)
	}
}

// Stats reports hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) ensureLoaded(bucket string) {
	c.mu.RLock()
	done := c.loaded[bucket]
	c.mu.RUnlock()
	if done {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := c.store.Load(ctx, bucket)
	if err != nil {
		slog.Warn("cache: load failed", "bucket", bucket, "error", err)
		entries = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded[bucket] {
		return
	}
	c.loaded[bucket] = true
	if len(entries) == 0 {
		return
	}
	current := c.buckets[bucket]
	for _, entry := range entries {
		if entry.Event == nil || entry.Event.ID == "" {
			continue
		}
		current = upsert(current, entry)
	}
	c.buckets[bucket] = current
}

func upsert(entries []Entry, entry Entry) []Entry {
	// Same id: events are immutable, only widen provenance.
	for i := range entries {
		if entries[i].Event.ID == entry.Event.ID {
			entries[i].Relays = mergeRelays(entries[i].Relays, entry.Relays)
			return entries
		}
	}

	if events.IsReplaceable(entry.Event.Kind) {
		for i := range entries {
			if entries[i].Event.PubKey != entry.Event.PubKey {
				continue
			}
			// Never regress to an older replaceable version; ties keep
			// the existing entry.
			if entry.Event.CreatedAt <= entries[i].Event.CreatedAt {
				return entries
			}
			entries[i] = entry
			return entries
		}
	}

	return append(entries, entry)
}

func mergeRelays(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, r := range a {
		if r != "" && !seen[r] {
			seen[r] = true
			merged = append(merged, r)
		}
	}
	for _, r := range b {
		if r != "" && !seen[r] {
			seen[r] = true
			merged = append(merged, r)
		}
	}
	sort.Strings(merged)
	return merged
}
