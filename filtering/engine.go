// Package filtering tracks deletion requests and mute lists seen on the
// network and drops matching content from query results. The data is
// advisory: any relay may omit a deletion event, so the deleted set is a
// lower bound on what has actually been retracted, never the full truth.
package filtering

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nostr-aggregator/events"
)

// maxDeletionBatch bounds how many deletion events one load pulls in, to
// keep the deleted set's memory footprint bounded.
const maxDeletionBatch = 500

// Source runs an aggregated query against a relay group and returns the
// merged events. Relay-level failures are absorbed inside the source.
type Source interface {
	QueryEvents(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event
}

// Accounts exposes the active account, if any.
type Accounts interface {
	Active() (pubkey string, ok bool)
}

// Engine holds the process-wide deleted-id and muted-author sets, loaded
// lazily once per relay-group key. Membership checks never trigger loads;
// callers load explicitly first.
type Engine struct {
	source   Source
	accounts Accounts

	group singleflight.Group

	mu      sync.RWMutex
	deleted map[string]struct{}
	muted   map[string]struct{}
	loaded  map[string]func() // cache key -> release function
}

func New(source Source, accounts Accounts) *Engine {
	return &Engine{
		source:   source,
		accounts: accounts,
		deleted:  make(map[string]struct{}),
		muted:    make(map[string]struct{}),
		loaded:   make(map[string]func()),
	}
}

// groupKey fingerprints a relay group: sorted, joined, order-insensitive.
func groupKey(relays []string) string {
	sorted := make([]string, len(relays))
	copy(sorted, relays)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// LoadDeletionEvents fetches recent deletion events from the relay group
// and unions their targets into the deleted set. Loading the same group
// again within a session is a no-op; concurrent callers for the same key
// share a single in-flight query.
func (e *Engine) LoadDeletionEvents(ctx context.Context, relays []string) {
	if len(relays) == 0 {
		return
	}
	key := "deletions:" + groupKey(relays)
	if e.isLoaded(key) {
		return
	}

	e.group.Do(key, func() (interface{}, error) {
		if e.isLoaded(key) {
			return nil, nil
		}
		evs := e.source.QueryEvents(ctx, relays, nostr.Filter{
			Kinds: []int{nostr.KindDeletion},
			Limit: maxDeletionBatch,
		})

		e.mu.Lock()
		for _, ev := range evs {
			for _, id := range events.DeletionTargets(ev) {
				e.deleted[id] = struct{}{}
			}
		}
		e.registerLoaded(key)
		e.mu.Unlock()

		slog.Debug("filtering: deletion events loaded", "relays", len(relays), "events", len(evs))
		return nil, nil
	})
}

// LoadMuteLists fetches the current user's mute list and unions its authors
// into the muted set. Anonymous sessions have nothing to mute, so this is a
// no-op without an active account.
func (e *Engine) LoadMuteLists(ctx context.Context, relays []string) {
	user, ok := e.accounts.Active()
	if !ok || len(relays) == 0 {
		return
	}
	key := "mutes:" + groupKey(relays)
	if e.isLoaded(key) {
		return
	}

	e.group.Do(key, func() (interface{}, error) {
		if e.isLoaded(key) {
			return nil, nil
		}
		evs := e.source.QueryEvents(ctx, relays, nostr.Filter{
			Kinds:   []int{nostr.KindMuteList},
			Authors: []string{user},
			Limit:   1,
		})

		// Replaceable kind: only the newest list counts.
		var newest *nostr.Event
		for _, ev := range evs {
			if newest == nil || ev.CreatedAt > newest.CreatedAt {
				newest = ev
			}
		}

		e.mu.Lock()
		if newest != nil {
			for _, pk := range events.MutedAuthors(newest) {
				e.muted[pk] = struct{}{}
			}
		}
		e.registerLoaded(key)
		e.mu.Unlock()

		slog.Debug("filtering: mute list loaded", "found", newest != nil)
		return nil, nil
	})
}

// IsEventDeleted reports whether the id has a known deletion request.
// Never triggers loading.
func (e *Engine) IsEventDeleted(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.deleted[id]
	return ok
}

// IsUserMuted reports whether the author is on the loaded mute list.
// Never triggers loading.
func (e *Engine) IsUserMuted(pubkey string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.muted[pubkey]
	return ok
}

// FilterEvents drops events that are deleted or authored by a muted user.
// Applying it twice yields the same result as applying it once.
func (e *Engine) FilterEvents(evs []*nostr.Event) []*nostr.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	kept := make([]*nostr.Event, 0, len(evs))
	for _, ev := range evs {
		if _, deleted := e.deleted[ev.ID]; deleted {
			continue
		}
		if _, muted := e.muted[ev.PubKey]; muted {
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}

// Clear resets both sets and the loaded-key registry. Must run on account
// switch so one account's mute list never leaks into the next session.
func (e *Engine) Clear() {
	e.mu.Lock()
	releases := make([]func(), 0, len(e.loaded))
	for _, release := range e.loaded {
		releases = append(releases, release)
	}
	e.deleted = make(map[string]struct{})
	e.muted = make(map[string]struct{})
	e.loaded = make(map[string]func())
	e.mu.Unlock()

	for _, release := range releases {
		release()
	}
}

func (e *Engine) isLoaded(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.loaded[key]
	return ok
}

// registerLoaded records the key with its release function. Caller holds
// e.mu.
func (e *Engine) registerLoaded(key string) {
	e.loaded[key] = func() { e.group.Forget(key) }
}
