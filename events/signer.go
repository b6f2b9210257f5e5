package events

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Signer signs event templates on behalf of the active account. The
// aggregation layer never signs on its own; publishing callers hand it a
// Signer (local key, remote bunker, hardware — anything).
type Signer interface {
	PublicKey() string
	Sign(ev *nostr.Event) error
}

// LocalSigner signs with an in-process hex-encoded secret key.
type LocalSigner struct {
	secretKey string
	pubkey    string
}

func NewLocalSigner(secretKey string) (*LocalSigner, error) {
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &LocalSigner{secretKey: secretKey, pubkey: pubkey}, nil
}

func (s *LocalSigner) PublicKey() string { return s.pubkey }

func (s *LocalSigner) Sign(ev *nostr.Event) error {
	return ev.Sign(s.secretKey)
}
