package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Publish sends a signed event to every relay concurrently and returns the
// per-relay outcome: nil for an accepting relay, an error otherwise. A relay
// that never answers within the bounded wait counts as rejected.
func (p *Pool) Publish(ctx context.Context, relays []string, ev *nostr.Event) map[string]error {
	results := make(map[string]error, len(relays))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, relay := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			err := p.publishToRelay(ctx, relayURL, ev)
			if err != nil {
				slog.Debug("publish: relay rejected", "relay", relayURL, "event", ev.ID, "error", err)
			}
			mu.Lock()
			results[relayURL] = err
			mu.Unlock()
		}(relay)
	}
	wg.Wait()
	return results
}

func (p *Pool) publishToRelay(ctx context.Context, relayURL string, ev *nostr.Event) error {
	rc, err := p.connWithRetry(ctx, relayURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ack := make(chan pubAck, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	rc.pending[ev.ID] = ack
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		if rc.pending[ev.ID] == ack {
			delete(rc.pending, ev.ID)
		}
		rc.mu.Unlock()
	}()

	if err := rc.writeJSON([]interface{}{"EVENT", ev}); err != nil {
		p.dropConn(relayURL, rc)
		return fmt.Errorf("write: %w", err)
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case res := <-ack:
		if !res.ok {
			return fmt.Errorf("relay rejected event: %s", res.message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("no acknowledgment from relay")
	}
}
