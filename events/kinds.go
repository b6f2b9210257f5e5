// Package events holds the shared event model for the aggregation layer:
// well-known kind numbers, typed accessors over tag conventions, and the
// signing collaborator interface.
package events

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// KindCacheRelayList is the user's private low-latency relay list.
// One replaceable event per author, relay URLs in "r" tags.
const KindCacheRelayList = 10432

// IsReplaceable reports whether at most one current event per author is
// valid for the given kind. Covers profile metadata (0), follow lists (3),
// the standard replaceable range and the addressable range.
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 ||
		(kind >= 10000 && kind < 20000) ||
		(kind >= 30000 && kind < 40000)
}

// BucketKey returns the cache bucket name used for a kind,
// e.g. "kind10002" for relay lists.
func BucketKey(kind int) string {
	return "kind" + strconv.Itoa(kind)
}

// Well-known buckets used throughout the service.
var (
	RelayListBucket  = BucketKey(nostr.KindRelayListMetadata)
	MuteListBucket   = BucketKey(nostr.KindMuteList)
	CacheRelayBucket = BucketKey(KindCacheRelayList)
)
