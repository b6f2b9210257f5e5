package relays

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"nostr-aggregator/outbox"
)

// PublishResult reports the outcome of a publish: overall success means at
// least one relay accepted the event.
type PublishResult struct {
	Success     bool
	PublishedTo []string
}

// PublishEvent sends a signed event to every relay in the named set
// concurrently. With announce set, the event additionally goes to the
// active user's private cache relays and their declared write relays, so
// followers reading via the outbox model find it. Total unavailability
// yields Success=false, never an error.
//
// On success the caller is expected to write the event through the content
// cache so subsequent reads observe it immediately; the service does not do
// this itself because some publishers (zap requests, ephemeral events)
// deliberately bypass the cache.
func (s *Service) PublishEvent(ctx context.Context, relaySet string, ev *nostr.Event, announce bool) PublishResult {
	s.publishesTotal.Add(1)

	relays, err := s.ResolveRelaySet(ctx, relaySet)
	if err != nil {
		slog.Warn("publish: bad relay set", "set", relaySet, "error", err)
		return PublishResult{}
	}

	if announce {
		relays = appendUnique(relays, s.cacheRelays.List(ctx))
		if user, ok := s.accounts.Active(); ok {
			for _, route := range s.outbox.ResolveRouting(ctx, []string{user}, nostr.Filter{}, outbox.DirectionWrite) {
				relays = appendUnique(relays, route.Relays)
			}
		}
	}
	if len(relays) == 0 {
		return PublishResult{}
	}

	acks := s.transport.Publish(ctx, relays, ev)
	var accepted []string
	for relay, ackErr := range acks {
		if ackErr == nil {
			accepted = append(accepted, relay)
		}
	}
	sort.Strings(accepted)

	if len(accepted) == 0 {
		slog.Warn("publish: no relay accepted event", "event", ev.ID, "relays", len(relays))
		return PublishResult{}
	}
	slog.Debug("publish: accepted", "event", ev.ID, "relays", len(accepted))
	return PublishResult{Success: true, PublishedTo: accepted}
}

func appendUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, u := range base {
		seen[u] = true
	}
	for _, u := range extra {
		if u != "" && !seen[u] {
			seen[u] = true
			base = append(base, u)
		}
	}
	return base
}
