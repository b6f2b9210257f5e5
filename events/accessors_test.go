package events

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestNormalizeRelayURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"wss://relay.damus.io", "wss://relay.damus.io"},
		{"wss://relay.damus.io/", "wss://relay.damus.io"},
		{"relay.damus.io", "wss://relay.damus.io"},
		{"WSS://RELAY.DAMUS.IO", "wss://relay.damus.io"},
		{"https://relay.damus.io", "wss://relay.damus.io"},
		{"ftp://relay.damus.io", ""},
		{"wss://", ""},
		{"", ""},
		{"   ", ""},
		{"wss://not a url", ""},
		{"wss://wss://double.example.com", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRelayURL(tc.in); got != tc.want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsReplaceable(t *testing.T) {
	cases := []struct {
		kind int
		want bool
	}{
		{0, true},
		{1, false},
		{3, true},
		{5, false},
		{10000, true},
		{10002, true},
		{KindCacheRelayList, true},
		{20000, false},
		{30023, true},
		{40000, false},
	}
	for _, tc := range cases {
		if got := IsReplaceable(tc.kind); got != tc.want {
			t.Errorf("IsReplaceable(%d) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestDeletionTargets(t *testing.T) {
	ev := &nostr.Event{
		Kind: nostr.KindDeletion,
		Tags: nostr.Tags{
			{"e", "aaa"},
			{"e", "bbb"},
			{"p", "ccc"},
			{"e"}, // malformed, skipped
			{"e", ""},
		},
	}
	got := DeletionTargets(ev)
	if len(got) != 2 || got[0] != "aaa" || got[1] != "bbb" {
		t.Errorf("DeletionTargets = %v, want [aaa bbb]", got)
	}
}

func TestMutedAuthors(t *testing.T) {
	ev := &nostr.Event{
		Kind: nostr.KindMuteList,
		Tags: nostr.Tags{
			{"p", "pub1"},
			{"e", "some-event"},
			{"p", "pub2"},
		},
	}
	got := MutedAuthors(ev)
	if len(got) != 2 || got[0] != "pub1" || got[1] != "pub2" {
		t.Errorf("MutedAuthors = %v, want [pub1 pub2]", got)
	}
}

func TestRelayEntries(t *testing.T) {
	ev := &nostr.Event{
		Kind: nostr.KindRelayListMetadata,
		Tags: nostr.Tags{
			{"r", "wss://both.example.com"},
			{"r", "wss://reads.example.com", "read"},
			{"r", "wss://writes.example.com", "write"},
			{"r", "not a url"},
			{"x", "wss://wrong-tag.example.com"},
		},
	}
	entries := RelayEntries(ev)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(entries), entries)
	}
	if !entries[0].Read || !entries[0].Write {
		t.Errorf("unmarked entry should be read and write: %+v", entries[0])
	}
	if !entries[1].Read || entries[1].Write {
		t.Errorf("read entry wrong: %+v", entries[1])
	}
	if entries[2].Read || !entries[2].Write {
		t.Errorf("write entry wrong: %+v", entries[2])
	}
}

func TestCacheRelayURLs(t *testing.T) {
	ev := &nostr.Event{
		Kind: KindCacheRelayList,
		Tags: nostr.Tags{
			{"r", "wss://local.example.com/"},
			{"r", "garbage url here"},
		},
	}
	got := CacheRelayURLs(ev)
	if len(got) != 1 || got[0] != "wss://local.example.com" {
		t.Errorf("CacheRelayURLs = %v", got)
	}
}
