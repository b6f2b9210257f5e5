// Package outbox routes author-scoped queries to the relays each author
// has declared in their NIP-65 relay list, instead of broadcasting to the
// whole relay set. Authors sharing identical target relays are batched into
// one request, so cost scales with the number of distinct relay sets in
// use, not the number of authors.
package outbox

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"nostr-aggregator/eventcache"
	"nostr-aggregator/events"
)

// Direction selects which side of an author's relay list to route to.
// Reading an author's published content goes to their write relays; reaching
// an author (mentions, DMs) goes to their read relays.
type Direction int

const (
	DirectionWrite Direction = iota
	DirectionRead
)

// Route is one request the caller should issue: a filter scoped to the
// subset of authors that share the same target relays.
type Route struct {
	Relays []string
	Filter nostr.Filter
}

// RelayList is an author's parsed NIP-65 declaration.
type RelayList struct {
	Read  []string
	Write []string
}

// Source runs an aggregated query and returns the merged events.
type Source interface {
	QueryEvents(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event
}

const (
	batchWindow   = 50 * time.Millisecond
	maxBatchSize  = 100
	lookupTimeout = 4 * time.Second
)

// Resolver looks up relay lists (cache first, network second) and groups
// authors by identical resolved relay sets.
type Resolver struct {
	cache        *eventcache.Cache
	source       Source
	lookupRelays []string // where relay-list events are indexed
	fallback     []string // for authors with no discoverable list

	batcher *Batcher[*RelayList]

	mu       sync.Mutex
	notFound map[string]bool // session memo of authors with no list
}

func New(cache *eventcache.Cache, source Source, lookupRelays, fallback []string) *Resolver {
	r := &Resolver{
		cache:        cache,
		source:       source,
		lookupRelays: lookupRelays,
		fallback:     fallback,
		notFound:     make(map[string]bool),
	}
	r.batcher = NewBatcher("relaylists", r.fetchRelayLists, batchWindow, maxBatchSize)
	return r
}

// ResolveRouting maps the authors onto (relay set, filter) pairs. Authors
// whose relay-list lookup fails or returns empty are routed to the fallback
// set; no author is ever silently dropped.
func (r *Resolver) ResolveRouting(ctx context.Context, authors []string, base nostr.Filter, dir Direction) []Route {
	authors = uniqueStrings(authors)
	if len(authors) == 0 {
		return nil
	}

	lists := r.relayLists(ctx, authors)

	type bucket struct {
		relays  []string
		authors []string
	}
	groups := make(map[string]*bucket)
	for _, author := range authors {
		relays := r.relaysFor(lists[author], dir)
		sorted := make([]string, len(relays))
		copy(sorted, relays)
		sort.Strings(sorted)
		fp := strings.Join(sorted, "|")

		g := groups[fp]
		if g == nil {
			g = &bucket{relays: sorted}
			groups[fp] = g
		}
		g.authors = append(g.authors, author)
	}

	fps := make([]string, 0, len(groups))
	for fp := range groups {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	routes := make([]Route, 0, len(groups))
	for _, fp := range fps {
		g := groups[fp]
		f := base
		f.Authors = g.authors
		routes = append(routes, Route{Relays: g.relays, Filter: f})
	}
	slog.Debug("outbox: routing resolved", "authors", len(authors), "routes", len(routes))
	return routes
}

func (r *Resolver) relaysFor(list *RelayList, dir Direction) []string {
	if list == nil {
		return r.fallback
	}
	var relays []string
	switch dir {
	case DirectionRead:
		relays = list.Read
	default:
		relays = list.Write
	}
	if len(relays) == 0 {
		return r.fallback
	}
	return relays
}

// relayLists resolves relay lists for the authors: content cache first,
// then one batched network lookup for the rest.
func (r *Resolver) relayLists(ctx context.Context, authors []string) map[string]*RelayList {
	lists := make(map[string]*RelayList, len(authors))
	var missing []string

	cached := r.cache.GetEvents(events.RelayListBucket)
	byAuthor := make(map[string]*nostr.Event, len(cached))
	for _, entry := range cached {
		byAuthor[entry.Event.PubKey] = entry.Event
	}

	r.mu.Lock()
	for _, author := range authors {
		if ev, ok := byAuthor[author]; ok {
			lists[author] = parseRelayList(ev)
			continue
		}
		if r.notFound[author] {
			continue
		}
		missing = append(missing, author)
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return lists
	}

	fetched := r.batcher.GetMultiple(missing)
	r.mu.Lock()
	for _, author := range missing {
		if list, ok := fetched[author]; ok {
			lists[author] = list
		} else {
			r.notFound[author] = true
		}
	}
	r.mu.Unlock()
	return lists
}

// fetchRelayLists is the batch function: one query for every pending
// author, newest list per author kept and written through the cache.
func (r *Resolver) fetchRelayLists(pubkeys []string) map[string]*RelayList {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	evs := r.source.QueryEvents(ctx, r.lookupRelays, nostr.Filter{
		Kinds:   []int{nostr.KindRelayListMetadata},
		Authors: pubkeys,
		Limit:   len(pubkeys),
	})

	newest := make(map[string]*nostr.Event, len(evs))
	for _, ev := range evs {
		if cur, ok := newest[ev.PubKey]; !ok || ev.CreatedAt > cur.CreatedAt {
			newest[ev.PubKey] = ev
		}
	}

	entries := make([]eventcache.Entry, 0, len(newest))
	results := make(map[string]*RelayList, len(newest))
	for pk, ev := range newest {
		results[pk] = parseRelayList(ev)
		entries = append(entries, eventcache.Entry{Event: ev})
	}
	if len(entries) > 0 {
		r.cache.StoreEvents(events.RelayListBucket, entries)
	}
	return results
}

// Invalidate forgets the session's negative lookups, e.g. on account switch.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.notFound = make(map[string]bool)
	r.mu.Unlock()
}

func parseRelayList(ev *nostr.Event) *RelayList {
	list := &RelayList{}
	for _, entry := range events.RelayEntries(ev) {
		if entry.Read {
			list.Read = append(list.Read, entry.URL)
		}
		if entry.Write {
			list.Write = append(list.Write, entry.URL)
		}
	}
	if len(list.Read) == 0 && len(list.Write) == 0 {
		return nil
	}
	return list
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
