package events

import (
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// RelayEntry is one "r" tag of a NIP-65 relay list, with its direction
// markers resolved. A tag without a marker counts for both directions.
type RelayEntry struct {
	URL   string
	Read  bool
	Write bool
}

// NormalizeRelayURL normalizes a relay URL (secure websocket scheme when
// missing, lowercased host, trailing slash stripped) and validates it.
// Returns "" for anything that is not a usable relay URL.
func NormalizeRelayURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	// Garbage text pasted as a URL shows up in the wild.
	if strings.Contains(raw, " ") || strings.Contains(raw, "%20") {
		return ""
	}
	if strings.Count(raw, "://") > 1 {
		return ""
	}
	normalized := nostr.NormalizeURL(raw)
	parsed, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}
	host := parsed.Hostname()
	if host == "" || len(host) < 3 && host != "::1" {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" && host != "::1" {
		return ""
	}
	return normalized
}

// DeletionTargets returns the event ids a kind-5 deletion event asks to
// retract, taken from its "e" tags. Malformed tags are skipped.
func DeletionTargets(ev *nostr.Event) []string {
	var ids []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}

// MutedAuthors returns the author pubkeys listed in a mute-list event's
// "p" tags.
func MutedAuthors(ev *nostr.Event) []string {
	var pks []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			pks = append(pks, tag[1])
		}
	}
	return pks
}

// RelayEntries parses the "r" tags of a NIP-65 relay list event.
// Entries with unusable URLs are dropped; a bad tag never aborts the rest.
func RelayEntries(ev *nostr.Event) []RelayEntry {
	var entries []RelayEntry
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		u := NormalizeRelayURL(tag[1])
		if u == "" {
			continue
		}
		entry := RelayEntry{URL: u}
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				entry.Read = true
			case "write":
				entry.Write = true
			default:
				entry.Read, entry.Write = true, true
			}
		} else {
			entry.Read, entry.Write = true, true
		}
		entries = append(entries, entry)
	}
	return entries
}

// CacheRelayURLs returns the relay URLs of a kind-10432 cache relay list.
func CacheRelayURLs(ev *nostr.Event) []string {
	var urls []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if u := NormalizeRelayURL(tag[1]); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
