package outbox

import (
	"log/slog"
	"sync"
	"time"
)

// Batcher collects lookups over a short window and executes them as one
// batch. Unlike singleflight, which only collapses identical requests, the
// batcher merges overlapping key sets: concurrent routings for [a,b,c],
// [a,d] and [b,e] become a single query for [a,b,c,d,e].
type Batcher[V any] struct {
	name     string
	batchFn  func(keys []string) map[string]V
	window   time.Duration
	maxBatch int

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	timer    *time.Timer
	timerSet bool
}

type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

// NewBatcher creates a batcher. window is how long to collect before
// executing; maxBatch caps keys per batch (0 = unlimited).
func NewBatcher[V any](name string, batchFn func(keys []string) map[string]V, window time.Duration, maxBatch int) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		batchFn:  batchFn,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(map[string][]*batchWaiter[V]),
	}
}

// GetMultiple fetches values for the keys, merging with other concurrent
// callers. The returned map holds only the caller's own keys.
func (b *Batcher[V]) GetMultiple(keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	waiter := &batchWaiter[V]{
		keys:   keys,
		result: make(chan map[string]V, 1),
	}

	b.mu.Lock()
	for _, key := range keys {
		b.pending[key] = append(b.pending[key], waiter)
	}
	if !b.timerSet {
		b.timerSet = true
		b.timer = time.AfterFunc(b.window, b.executeBatch)
	}
	if b.maxBatch > 0 && len(b.pending) >= b.maxBatch {
		b.timer.Stop()
		b.mu.Unlock()
		b.executeBatch()
	} else {
		b.mu.Unlock()
	}

	return <-waiter.result
}

func (b *Batcher[V]) executeBatch() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}
	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}
	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false
	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher: executing", "name", b.name, "keys", len(keys), "waiters", len(waiterSet))
	results := b.batchFn(keys)

	for waiter := range waiterSet {
		waiterResult := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				waiterResult[key] = val
			}
		}
		waiter.result <- waiterResult
	}
}
