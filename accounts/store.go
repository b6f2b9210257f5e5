// Package accounts tracks the active account as an observable value. The
// aggregation layer reads it synchronously at decision points and registers
// change listeners so session-scoped state (mute lists, private relay
// memos) is torn down on account switch.
package accounts

import (
	"log/slog"
	"sync"
)

type Store struct {
	mu        sync.RWMutex
	pubkey    string
	listeners []func(pubkey string)
}

func NewStore() *Store {
	return &Store{}
}

// Active returns the active account's pubkey, or ok=false for an anonymous
// session.
func (s *Store) Active() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubkey, s.pubkey != ""
}

// SetActive switches the active account and notifies listeners. Setting the
// already-active pubkey is a no-op.
func (s *Store) SetActive(pubkey string) {
	s.mu.Lock()
	if s.pubkey == pubkey {
		s.mu.Unlock()
		return
	}
	s.pubkey = pubkey
	listeners := make([]func(string), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	slog.Info("active account changed", "logged_in", pubkey != "")
	for _, fn := range listeners {
		fn(pubkey)
	}
}

// Logout clears the active account.
func (s *Store) Logout() {
	s.SetActive("")
}

// OnChange registers a listener invoked after every account change with the
// new pubkey ("" for logout). Listeners run on the switching goroutine.
func (s *Store) OnChange(fn func(pubkey string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
