package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription is the closable handle returned by Pool.Subscribe. Closing
// before the underlying requests resolve guarantees that no callback fires
// afterwards: every delivery goroutine checks the closed flag immediately
// before invoking a callback and discards the result otherwise.
type Subscription struct {
	closed atomic.Bool
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe issues one REQ per relay and streams stored events into the
// callbacks until each relay signals EOSE, fails, or the context ends.
// Individual relay failures are logged and degrade the result; they never
// fail the subscription as a whole.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters nostr.Filters, cb Callbacks) Handle {
	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	var wg sync.WaitGroup
	for _, relay := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			p.runLeg(sctx, relayURL, filters, s, cb)
		}(relay)
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return s
}

// runLeg drives one relay: connect, REQ, deliver until EOSE.
func (p *Pool) runLeg(ctx context.Context, relayURL string, filters nostr.Filters, s *Subscription, cb Callbacks) {
	rc, err := p.connWithRetry(ctx, relayURL)
	if err != nil {
		slog.Debug("subscribe: relay unreachable", "relay", relayURL, "error", err)
		return
	}

	sub := &relaySub{
		id:     "agg-" + randomID(8),
		events: make(chan *nostr.Event, 100),
		eose:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if err := rc.addSub(sub); err != nil {
		return
	}
	defer rc.removeSub(sub)

	frame := make([]interface{}, 0, 2+len(filters))
	frame = append(frame, "REQ", sub.id)
	for i := range filters {
		frame = append(frame, filters[i])
	}
	if err := rc.writeJSON(frame); err != nil {
		slog.Debug("subscribe: REQ failed", "relay", relayURL, "error", err)
		p.dropConn(relayURL, rc)
		return
	}

	// The read loop queues events and the EOSE signal independently, so by
	// the time EOSE is observed here earlier events may still sit in the
	// buffer. They were stored before EOSE and must be delivered before it.
	drain := func() bool {
		for {
			select {
			case ev := <-sub.events:
				if s.closed.Load() {
					return false
				}
				if cb.OnEvent != nil {
					cb.OnEvent(relayURL, ev)
				}
			default:
				return true
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			drain()
			return
		case ev := <-sub.events:
			if s.closed.Load() {
				return
			}
			if cb.OnEvent != nil {
				cb.OnEvent(relayURL, ev)
			}
		case <-sub.eose:
			if !drain() {
				return
			}
			if s.closed.Load() {
				return
			}
			if cb.OnEOSE != nil {
				cb.OnEOSE(relayURL)
			}
			return
		}
	}
}
