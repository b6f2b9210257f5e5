package outbox

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestBatcherMergesOverlappingKeySets(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	fn := func(keys []string) map[string]int {
		mu.Lock()
		sorted := make([]string, len(keys))
		copy(sorted, keys)
		sort.Strings(sorted)
		batches = append(batches, sorted)
		mu.Unlock()
		out := make(map[string]int, len(keys))
		for _, k := range keys {
			out[k] = len(k)
		}
		return out
	}
	b := NewBatcher("test", fn, 30*time.Millisecond, 0)

	var wg sync.WaitGroup
	results := make([]map[string]int, 3)
	for i, keys := range [][]string{{"a", "b", "c"}, {"a", "d"}, {"b", "e"}} {
		wg.Add(1)
		go func(i int, keys []string) {
			defer wg.Done()
			results[i] = b.GetMultiple(keys)
		}(i, keys)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected 1 merged batch, got %d: %v", len(batches), batches)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(batches[0]) != len(want) {
		t.Fatalf("batch keys = %v, want %v", batches[0], want)
	}
	for i := range want {
		if batches[0][i] != want[i] {
			t.Errorf("batch key %d = %q, want %q", i, batches[0][i], want[i])
		}
	}

	// Each caller gets only its own keys back.
	if len(results[0]) != 3 || results[0]["c"] != 1 {
		t.Errorf("caller 0 results = %v", results[0])
	}
	if len(results[1]) != 2 {
		t.Errorf("caller 1 results = %v", results[1])
	}
	if _, leaked := results[1]["e"]; leaked {
		t.Error("caller 1 received a key it never asked for")
	}
}

func TestBatcherMaxBatchFlushesEarly(t *testing.T) {
	done := make(chan []string, 1)
	fn := func(keys []string) map[string]int {
		done <- keys
		return map[string]int{}
	}
	b := NewBatcher("test", fn, 10*time.Second, 2)

	go b.GetMultiple([]string{"a"})
	time.Sleep(10 * time.Millisecond)
	go b.GetMultiple([]string{"b"})

	select {
	case keys := <-done:
		if len(keys) != 2 {
			t.Fatalf("expected both keys in the early flush, got %v", keys)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("max batch size did not trigger an early flush")
	}
}

func TestBatcherEmptyKeys(t *testing.T) {
	b := NewBatcher("test", func(keys []string) map[string]int {
		t.Error("batch function must not run for empty input")
		return nil
	}, time.Millisecond, 0)
	if got := b.GetMultiple(nil); got != nil {
		t.Errorf("expected nil for empty keys, got %v", got)
	}
}
