package filtering

import (
	"context"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

type fakeSource struct {
	mu            sync.Mutex
	deletionCalls int
	muteCalls     int
	deletions     []*nostr.Event
	muteLists     []*nostr.Event
}

func (f *fakeSource) QueryEvents(_ context.Context, _ []string, filter nostr.Filter) []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kind := range filter.Kinds {
		switch kind {
		case nostr.KindDeletion:
			f.deletionCalls++
			return f.deletions
		case nostr.KindMuteList:
			f.muteCalls++
			return f.muteLists
		}
	}
	return nil
}

func (f *fakeSource) calls() (deletions, mutes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletionCalls, f.muteCalls
}

type fakeAccounts struct {
	pubkey string
}

func (f fakeAccounts) Active() (string, bool) {
	return f.pubkey, f.pubkey != ""
}

func deletion(targets ...string) *nostr.Event {
	ev := &nostr.Event{ID: "del", Kind: nostr.KindDeletion}
	for _, id := range targets {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", id})
	}
	return ev
}

func muteList(author string, created nostr.Timestamp, muted ...string) *nostr.Event {
	ev := &nostr.Event{ID: "mute-" + author, PubKey: author, Kind: nostr.KindMuteList, CreatedAt: created}
	for _, pk := range muted {
		ev.Tags = append(ev.Tags, nostr.Tag{"p", pk})
	}
	return ev
}

func TestLoadDeletionEventsOncePerGroup(t *testing.T) {
	src := &fakeSource{deletions: []*nostr.Event{deletion("ev1")}}
	e := New(src, fakeAccounts{})
	ctx := context.Background()

	relays := []string{"wss://a.example.com", "wss://b.example.com"}
	e.LoadDeletionEvents(ctx, relays)
	e.LoadDeletionEvents(ctx, relays)
	// Same group, different order: still the same key.
	e.LoadDeletionEvents(ctx, []string{"wss://b.example.com", "wss://a.example.com"})

	if d, _ := src.calls(); d != 1 {
		t.Fatalf("expected 1 deletion query, got %d", d)
	}
	if !e.IsEventDeleted("ev1") {
		t.Error("ev1 should be marked deleted")
	}
	if e.IsEventDeleted("ev2") {
		t.Error("ev2 should not be marked deleted")
	}
}

func TestLoadDeletionEventsConcurrent(t *testing.T) {
	src := &fakeSource{deletions: []*nostr.Event{deletion("ev1")}}
	e := New(src, fakeAccounts{})
	relays := []string{"wss://a.example.com"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.LoadDeletionEvents(context.Background(), relays)
		}()
	}
	wg.Wait()

	if d, _ := src.calls(); d != 1 {
		t.Fatalf("concurrent loads must share one query, got %d", d)
	}
}

func TestLoadMuteListsAnonymousNoop(t *testing.T) {
	src := &fakeSource{muteLists: []*nostr.Event{muteList("alice", 100, "bob")}}
	e := New(src, fakeAccounts{})

	e.LoadMuteLists(context.Background(), []string{"wss://a.example.com"})

	if _, m := src.calls(); m != 0 {
		t.Fatalf("anonymous session must not query mute lists, got %d", m)
	}
	if e.IsUserMuted("bob") {
		t.Error("no mute data should be loaded")
	}
}

func TestLoadMuteListsNewestWins(t *testing.T) {
	old := muteList("alice", 100, "carol")
	recent := muteList("alice", 200, "bob")
	src := &fakeSource{muteLists: []*nostr.Event{old, recent}}
	e := New(src, fakeAccounts{pubkey: "alice"})

	e.LoadMuteLists(context.Background(), []string{"wss://a.example.com"})

	if !e.IsUserMuted("bob") {
		t.Error("bob is on the newest mute list")
	}
	if e.IsUserMuted("carol") {
		t.Error("carol is only on the stale list")
	}
}

func TestFilterEventsIdempotent(t *testing.T) {
	src := &fakeSource{
		deletions: []*nostr.Event{deletion("gone")},
		muteLists: []*nostr.Event{muteList("alice", 100, "troll")},
	}
	e := New(src, fakeAccounts{pubkey: "alice"})
	ctx := context.Background()
	relays := []string{"wss://a.example.com"}
	e.LoadDeletionEvents(ctx, relays)
	e.LoadMuteLists(ctx, relays)

	in := []*nostr.Event{
		{ID: "gone", PubKey: "bob", Kind: 1},
		{ID: "kept", PubKey: "bob", Kind: 1},
		{ID: "fromtroll", PubKey: "troll", Kind: 1},
	}
	once := e.FilterEvents(in)
	if len(once) != 1 || once[0].ID != "kept" {
		t.Fatalf("expected only 'kept', got %v", once)
	}
	twice := e.FilterEvents(once)
	if len(twice) != 1 || twice[0].ID != "kept" {
		t.Fatalf("second pass changed the result: %v", twice)
	}
}

func TestClearIsolatesSessions(t *testing.T) {
	src := &fakeSource{
		deletions: []*nostr.Event{deletion("gone")},
		muteLists: []*nostr.Event{muteList("alice", 100, "troll")},
	}
	e := New(src, fakeAccounts{pubkey: "alice"})
	ctx := context.Background()
	relays := []string{"wss://a.example.com"}
	e.LoadDeletionEvents(ctx, relays)
	e.LoadMuteLists(ctx, relays)

	e.Clear()

	if e.IsEventDeleted("gone") || e.IsUserMuted("troll") {
		t.Fatal("sets must be empty after Clear")
	}

	// A fresh load after Clear queries the network again.
	e.LoadDeletionEvents(ctx, relays)
	e.LoadMuteLists(ctx, relays)
	d, m := src.calls()
	if d != 2 || m != 2 {
		t.Fatalf("expected reload after Clear, got deletions=%d mutes=%d", d, m)
	}
	if !e.IsEventDeleted("gone") || !e.IsUserMuted("troll") {
		t.Error("reloaded sets missing entries")
	}
}

func TestMembershipChecksNeverLoad(t *testing.T) {
	src := &fakeSource{}
	e := New(src, fakeAccounts{pubkey: "alice"})

	e.IsEventDeleted("ev1")
	e.IsUserMuted("bob")
	e.FilterEvents([]*nostr.Event{{ID: "ev1", PubKey: "bob"}})

	if d, m := src.calls(); d != 0 || m != 0 {
		t.Fatalf("membership checks must not query, got deletions=%d mutes=%d", d, m)
	}
}

func TestDistinctGroupsLoadSeparately(t *testing.T) {
	src := &fakeSource{deletions: []*nostr.Event{deletion("ev1")}}
	e := New(src, fakeAccounts{})
	ctx := context.Background()

	e.LoadDeletionEvents(ctx, []string{"wss://a.example.com"})
	e.LoadDeletionEvents(ctx, []string{"wss://b.example.com"})

	if d, _ := src.calls(); d != 2 {
		t.Fatalf("distinct groups must each load, got %d", d)
	}
}
