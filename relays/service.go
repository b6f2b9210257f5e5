// Package relays is the orchestration hub of the aggregation layer: it
// resolves named relay sets to concrete URLs, fans queries and publishes
// out to every relay in a set concurrently, merges and deduplicates the
// answers with provenance, and applies content filtering before results
// reach the caller.
package relays

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"nostr-aggregator/accounts"
	"nostr-aggregator/cacherelays"
	"nostr-aggregator/eventcache"
	"nostr-aggregator/events"
	"nostr-aggregator/filtering"
	"nostr-aggregator/outbox"
	"nostr-aggregator/transport"
)

// ErrUnknownRelaySet is returned for a relay set name with no configuration.
var ErrUnknownRelaySet = errors.New("unknown relay set")

const defaultQueryTimeout = 3 * time.Second

// Service wires the transport, content cache, filtering engine, outbox
// resolver and cache relay manager together behind the query/publish entry
// points. Relay-level failures never escape these entry points; they only
// shrink the set of contributing sources.
type Service struct {
	cfg          *Config
	transport    transport.Interface
	cache        *eventcache.Cache
	filters      *filtering.Engine
	accounts     *accounts.Store
	cacheRelays  *cacherelays.Manager
	outbox       *outbox.Resolver
	queryTimeout time.Duration

	queriesTotal   atomic.Int64
	publishesTotal atomic.Int64
}

// Option customizes a Service.
type Option func(*Service)

// WithQueryTimeout bounds how long one query waits for slow relays.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) { s.queryTimeout = d }
}

// New builds the service. signer may be nil for read-only consumers; store
// may be nil to run purely in memory.
func New(cfg *Config, tr transport.Interface, store eventcache.Store, acct *accounts.Store, signer events.Signer, opts ...Option) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{
		cfg:          cfg,
		transport:    tr,
		cache:        eventcache.New(store),
		accounts:     acct,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	src := &querySource{s}
	s.filters = filtering.New(src, acct)

	lookup := cfg.Sets[SetRelayListRead]
	s.outbox = outbox.New(s.cache, src, lookup, cfg.Sets[SetSocialRead])
	s.cacheRelays = cacherelays.New(src, tr, s.cache, acct, signer, lookup, cfg.Sets[SetMetadataWrite])

	// One account's session state must not leak into the next.
	acct.OnChange(func(string) {
		s.filters.Clear()
		s.cacheRelays.Invalidate()
		s.outbox.Invalidate()
		s.cache.Clear()
	})
	return s
}

// Cache exposes the content cache for write-through publishers.
func (s *Service) Cache() *eventcache.Cache { return s.cache }

// Filters exposes the filtering engine.
func (s *Service) Filters() *filtering.Engine { return s.filters }

// CacheRelays exposes the cache relay manager.
func (s *Service) CacheRelays() *cacherelays.Manager { return s.cacheRelays }

// Stats reports how many queries and publishes the service has run.
func (s *Service) Stats() (queries, publishes int64) {
	return s.queriesTotal.Load(), s.publishesTotal.Load()
}

// ResolveRelaySet resolves a named set to concrete relay URLs: static
// defaults, then user overrides, then — for read purposes with a logged-in
// user — the private cache relays. URLs are normalized and deduplicated
// with order preserved.
func (s *Service) ResolveRelaySet(ctx context.Context, name string) ([]string, error) {
	base, ok := s.cfg.Set(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelaySet, name)
	}

	urls := make([]string, 0, len(base)+4)
	urls = append(urls, base...)
	urls = append(urls, s.cfg.Overrides[name]...)
	if isReadPurpose(name) {
		if _, logged := s.accounts.Active(); logged {
			urls = append(urls, s.cacheRelays.List(ctx)...)
		}
	}

	seen := make(map[string]bool, len(urls))
	resolved := make([]string, 0, len(urls))
	for _, u := range urls {
		n := events.NormalizeRelayURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		resolved = append(resolved, n)
	}
	return resolved, nil
}

func isReadPurpose(name string) bool {
	return strings.HasSuffix(name, "-read")
}

// querySource adapts the service's raw fan-out collection into the narrow
// query interface the filtering engine, outbox resolver and cache relay
// manager depend on. No content filtering is applied here; these consumers
// need the unfiltered stream.
type querySource struct {
	s *Service
}

func (q *querySource) QueryEvents(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event {
	merged := q.s.collect(ctx, []queryTarget{{relays: relays, filters: nostr.Filters{filter}}})
	evs := make([]*nostr.Event, 0, len(merged.order))
	for _, id := range merged.order {
		evs = append(evs, merged.events[id])
	}
	return evs
}
