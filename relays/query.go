package relays

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"nostr-aggregator/outbox"
	"nostr-aggregator/transport"
)

// QueryRequest describes one logical query. An empty Authors list is an
// anonymous (broadcast) query against the full relay set; a non-empty list
// routes through the outbox resolver to each author's declared relays.
type QueryRequest struct {
	Authors  []string
	RelaySet string
	Filters  []nostr.Filter

	// ExcludeUserContent drops the current user's own events from the
	// result ("others only" views). When false and CurrentUserPubkey is
	// set, the user's own events are never filtered: self-mute is
	// impossible and a user always sees their own content.
	ExcludeUserContent bool
	CurrentUserPubkey  string
}

// QueryResult is the merged, deduplicated answer. Relays records, per event
// id, every relay that returned that event (sorted, unique).
type QueryResult struct {
	Events []*nostr.Event
	Relays map[string][]string
}

// QueryEvents resolves the relay set, fans the query out concurrently with
// a bounded per-relay wait, merges and deduplicates by event id, and
// applies deletion/mute filtering. Slow or unreachable relays contribute
// nothing but never fail the call; zero reachable relays yield an empty
// result, not an error.
func (s *Service) QueryEvents(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if len(req.Filters) == 0 {
		return nil, errors.New("query requires at least one filter")
	}
	s.queriesTotal.Add(1)

	relaySet, err := s.ResolveRelaySet(ctx, req.RelaySet)
	if err != nil {
		return nil, err
	}

	var targets []queryTarget
	if len(req.Authors) > 0 {
		// Author-scoped: route to each author's own publishing relays
		// instead of broadcasting to the whole set.
		for _, f := range req.Filters {
			for _, route := range s.outbox.ResolveRouting(ctx, req.Authors, f, outbox.DirectionWrite) {
				targets = append(targets, queryTarget{relays: route.Relays, filters: nostr.Filters{route.Filter}})
			}
		}
	} else {
		targets = []queryTarget{{relays: relaySet, filters: nostr.Filters(req.Filters)}}
	}

	merged := s.collect(ctx, targets)

	s.filters.LoadDeletionEvents(ctx, relaySet)
	s.filters.LoadMuteLists(ctx, relaySet)

	result := &QueryResult{Relays: make(map[string][]string, len(merged.order))}
	for _, id := range merged.order {
		ev := merged.events[id]
		if req.CurrentUserPubkey != "" && ev.PubKey == req.CurrentUserPubkey {
			if req.ExcludeUserContent {
				continue
			}
			// Own content bypasses filtering entirely.
		} else if s.filters.IsEventDeleted(id) || s.filters.IsUserMuted(ev.PubKey) {
			continue
		}
		result.Events = append(result.Events, ev)
		result.Relays[id] = sortedSet(merged.relays[id])
	}

	sort.SliceStable(result.Events, func(i, j int) bool {
		if result.Events[i].CreatedAt != result.Events[j].CreatedAt {
			return result.Events[i].CreatedAt > result.Events[j].CreatedAt
		}
		return result.Events[i].ID < result.Events[j].ID
	})
	return result, nil
}

type queryTarget struct {
	relays  []string
	filters nostr.Filters
}

type mergeState struct {
	order  []string
	events map[string]*nostr.Event
	relays map[string]map[string]struct{}
}

// collect runs every target subscription concurrently and merges the
// streams, deduplicating by event id while widening provenance. It returns
// once every relay has signalled EOSE or the query timeout has elapsed.
func (s *Service) collect(ctx context.Context, targets []queryTarget) *mergeState {
	cctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	m := &mergeState{
		events: make(map[string]*nostr.Event),
		relays: make(map[string]map[string]struct{}),
	}
	var mu sync.Mutex
	cb := transport.Callbacks{
		OnEvent: func(relay string, ev *nostr.Event) {
			if ev == nil || ev.ID == "" {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, ok := m.events[ev.ID]; !ok {
				m.events[ev.ID] = ev
				m.order = append(m.order, ev.ID)
			}
			set := m.relays[ev.ID]
			if set == nil {
				set = make(map[string]struct{}, 2)
				m.relays[ev.ID] = set
			}
			set[relay] = struct{}{}
		},
	}

	handles := make([]transport.Handle, 0, len(targets))
	for _, t := range targets {
		if len(t.relays) == 0 {
			continue
		}
		handles = append(handles, s.transport.Subscribe(cctx, t.relays, t.filters, cb))
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-cctx.Done():
		}
	}
	for _, h := range handles {
		h.Close()
	}
	return m
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
