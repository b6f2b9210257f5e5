// Package cacherelays manages the user's private low-latency relay list
// (kind 10432), used to shortcut queries that would otherwise need a full
// public relay fan-out.
package cacherelays

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nostr-aggregator/accounts"
	"nostr-aggregator/eventcache"
	"nostr-aggregator/events"
)

var (
	// ErrNoActiveUser is returned when an operation needs a logged-in
	// account and the session is anonymous.
	ErrNoActiveUser = errors.New("no active user")
	// ErrNoSigner is returned when saving without a signing collaborator.
	ErrNoSigner = errors.New("no signer configured")
)

// Source runs an aggregated query and returns the merged events.
type Source interface {
	QueryEvents(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event
}

// Publisher sends a signed event to relays and reports per-relay outcome.
type Publisher interface {
	Publish(ctx context.Context, relays []string, ev *nostr.Event) map[string]error
}

// Manager resolves and maintains the active user's cache relay list. The
// resolved list is memoized per pubkey for the session, so repeated relay
// set resolutions cost nothing after the first.
type Manager struct {
	source    Source
	publisher Publisher
	cache     *eventcache.Cache
	accounts  *accounts.Store
	signer    events.Signer

	lookupRelays  []string // where the 10432 list is queried from
	publishRelays []string // where a saved list is announced

	group singleflight.Group

	mu   sync.Mutex
	memo map[string][]string
}

func New(source Source, publisher Publisher, cache *eventcache.Cache, acct *accounts.Store, signer events.Signer, lookupRelays, publishRelays []string) *Manager {
	return &Manager{
		source:        source,
		publisher:     publisher,
		cache:         cache,
		accounts:      acct,
		signer:        signer,
		lookupRelays:  lookupRelays,
		publishRelays: publishRelays,
		memo:          make(map[string][]string),
	}
}

// List returns the active user's cache relay URLs. Cached content (session
// memo, then content cache) is served without any network query; only a
// full miss reaches the lookup relays, and concurrent misses for the same
// user share a single lookup. Anonymous sessions get nil.
func (m *Manager) List(ctx context.Context) []string {
	user, ok := m.accounts.Active()
	if !ok {
		return nil
	}

	m.mu.Lock()
	if urls, ok := m.memo[user]; ok {
		m.mu.Unlock()
		return urls
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(user, func() (interface{}, error) {
		m.mu.Lock()
		if urls, ok := m.memo[user]; ok {
			m.mu.Unlock()
			return urls, nil
		}
		m.mu.Unlock()
		return m.resolve(ctx, user), nil
	})
	urls, _ := v.([]string)
	return urls
}

func (m *Manager) resolve(ctx context.Context, user string) []string {
	if ev := m.cachedList(user); ev != nil {
		return m.remember(user, events.CacheRelayURLs(ev))
	}

	evs := m.source.QueryEvents(ctx, m.lookupRelays, nostr.Filter{
		Kinds:   []int{events.KindCacheRelayList},
		Authors: []string{user},
		Limit:   1,
	})
	var newest *nostr.Event
	for _, ev := range evs {
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	if newest == nil {
		return m.remember(user, nil)
	}
	m.cache.StoreEvents(events.CacheRelayBucket, []eventcache.Entry{{Event: newest}})
	return m.remember(user, events.CacheRelayURLs(newest))
}

// Save signs and publishes a new cache relay list for the active user and
// writes it through the content cache. The event is announced both to the
// configured publish relays and to the listed relays themselves.
func (m *Manager) Save(ctx context.Context, urls []string) error {
	user, ok := m.accounts.Active()
	if !ok {
		return ErrNoActiveUser
	}
	if m.signer == nil {
		return ErrNoSigner
	}

	tags := make(nostr.Tags, 0, len(urls))
	var normalized []string
	for _, u := range urls {
		n := events.NormalizeRelayURL(u)
		if n == "" {
			continue
		}
		normalized = append(normalized, n)
		tags = append(tags, nostr.Tag{"r", n})
	}

	ev := nostr.Event{
		Kind:      events.KindCacheRelayList,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	if err := m.signer.Sign(&ev); err != nil {
		return fmt.Errorf("sign cache relay list: %w", err)
	}
	if ev.PubKey != user {
		return fmt.Errorf("signer key does not match active user")
	}

	targets := mergeURLs(m.publishRelays, normalized)
	acks := m.publisher.Publish(ctx, targets, &ev)
	var accepted []string
	for relay, err := range acks {
		if err == nil {
			accepted = append(accepted, relay)
		}
	}
	if len(accepted) == 0 {
		return fmt.Errorf("no relay accepted the cache relay list")
	}

	m.cache.StoreEvents(events.CacheRelayBucket, []eventcache.Entry{{Event: &ev, Relays: accepted}})
	m.mu.Lock()
	m.memo[user] = normalized
	m.mu.Unlock()

	slog.Info("cache relay list saved", "relays", len(normalized), "accepted", len(accepted))
	return nil
}

// Invalidate drops the session memo, forcing the next List to re-resolve.
// Invoked on account switch.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.memo = make(map[string][]string)
	m.mu.Unlock()
}

func (m *Manager) cachedList(user string) *nostr.Event {
	for _, entry := range m.cache.GetEvents(events.CacheRelayBucket) {
		if entry.Event.PubKey == user {
			return entry.Event
		}
	}
	return nil
}

func (m *Manager) remember(user string, urls []string) []string {
	m.mu.Lock()
	m.memo[user] = urls
	m.mu.Unlock()
	return urls
}

func mergeURLs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, u := range a {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range b {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
