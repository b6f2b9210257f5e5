// Relay connectivity checker
// Resolves a named relay set, runs a query against it, and reports which
// relays answered and what came back. Useful for verifying relay set
// configuration and outbox routing without a consuming application.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"nostr-aggregator/accounts"
	"nostr-aggregator/eventcache"
	"nostr-aggregator/relays"
	"nostr-aggregator/transport"
)

func main() {
	var (
		relaySet = flag.String("set", relays.SetSocialRead, "relay set name to resolve and query")
		authors  = flag.String("authors", "", "comma-separated author pubkeys (hex); empty = anonymous query")
		kind     = flag.Int("kind", 1, "event kind to query")
		limit    = flag.Int("limit", 10, "query limit")
		timeout  = flag.Duration("timeout", 5*time.Second, "overall query timeout")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	pool := transport.NewPool()
	defer pool.Close()

	svc := relays.New(
		relays.LoadConfig(),
		pool,
		eventcache.NewMemoryStore(),
		accounts.NewStore(),
		nil,
		relays.WithQueryTimeout(*timeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+2*time.Second)
	defer cancel()

	resolved, err := svc.ResolveRelaySet(ctx, *relaySet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("relay set %q resolves to %d relays:\n", *relaySet, len(resolved))
	for _, u := range resolved {
		fmt.Printf("  %s\n", u)
	}

	req := relays.QueryRequest{
		RelaySet: *relaySet,
		Filters:  []nostr.Filter{{Kinds: []int{*kind}, Limit: *limit}},
	}
	if *authors != "" {
		req.Authors = strings.Split(*authors, ",")
	}

	start := time.Now()
	result, err := svc.QueryEvents(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	elapsed := time.Since(start)

	fmt.Printf("\n%d events in %s\n", len(result.Events), elapsed.Round(time.Millisecond))
	for _, ev := range result.Events {
		sources := result.Relays[ev.ID]
		fmt.Printf("  %s  kind=%d  created=%d  relays=%d\n", shortID(ev.ID), ev.Kind, ev.CreatedAt, len(sources))
	}

	if len(result.Events) == 0 {
		fmt.Println("no events returned (relays slow, unreachable, or empty)")
		os.Exit(1)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
