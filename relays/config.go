package relays

import (
	"encoding/json"
	"log/slog"
	"os"
)

// Named relay sets the service resolves. Read purposes additionally pick up
// the active user's private cache relays.
const (
	SetMetadataRead  = "metadata-read"
	SetMetadataWrite = "metadata-write"
	SetSocialRead    = "social-read"
	SetSocialWrite   = "social-write"
	SetWikiRead      = "wiki-read"
	SetWikiWrite     = "wiki-write"
	SetRelayListRead = "relaylist-read"
)

// Config maps relay set names to relay URLs. Sets replace the built-in
// defaults for a name; Overrides are appended on top of whatever the set
// resolves to (user-configured additions).
type Config struct {
	Sets      map[string][]string `json:"sets"`
	Overrides map[string][]string `json:"overrides"`
}

// DefaultConfig returns the embedded defaults for every named set.
func DefaultConfig() *Config {
	return &Config{
		Sets: map[string][]string{
			SetMetadataRead: {
				"wss://purplepag.es",
				"wss://relay.nostr.band",
				"wss://relay.damus.io",
			},
			SetMetadataWrite: {
				"wss://purplepag.es",
				"wss://relay.nostr.band",
				"wss://relay.damus.io",
			},
			SetSocialRead: {
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://relay.primal.net",
				"wss://nos.lol",
				"wss://nostr.mom",
			},
			SetSocialWrite: {
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://relay.primal.net",
			},
			SetWikiRead: {
				"wss://relay.wikifreedia.xyz",
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
			SetWikiWrite: {
				"wss://relay.wikifreedia.xyz",
				"wss://relay.damus.io",
			},
			SetRelayListRead: {
				"wss://purplepag.es",
				"wss://relay.nostr.band",
				"wss://relay.damus.io",
			},
		},
		Overrides: map[string][]string{},
	}
}

// LoadConfig reads the JSON config file (RELAYS_CONFIG env var, defaulting
// to config/relays.json) and overlays it on the embedded defaults. A
// missing or invalid file falls back to defaults.
func LoadConfig() *Config {
	path := os.Getenv("RELAYS_CONFIG")
	if path == "" {
		path = "config/relays.json"
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read relays config, using defaults", "path", path, "error", err)
		}
		return cfg
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		slog.Error("invalid relays config, using defaults", "path", path, "error", err)
		return cfg
	}

	for name, urls := range fileCfg.Sets {
		if len(urls) > 0 {
			cfg.Sets[name] = urls
		}
	}
	for name, urls := range fileCfg.Overrides {
		if len(urls) > 0 {
			cfg.Overrides[name] = urls
		}
	}
	slog.Info("loaded relays config", "path", path, "sets", len(cfg.Sets))
	return cfg
}

// Set returns the configured URLs for a named set.
func (c *Config) Set(name string) ([]string, bool) {
	urls, ok := c.Sets[name]
	return urls, ok
}
