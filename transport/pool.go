// Package transport maintains websocket connections to relays and exposes
// the two operations the aggregation layer needs: a fan-out subscription
// that yields stored events until EOSE, and a fan-out publish that reports
// a per-relay acknowledgment.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Callbacks receive merged subscription traffic. They are invoked from
// delivery goroutines; implementations must be safe for concurrent use.
type Callbacks struct {
	OnEvent func(relay string, ev *nostr.Event)
	OnEOSE  func(relay string)
}

// Handle is a live subscription. Close is idempotent; after Close returns,
// no further callback is invoked. Done is closed once every relay leg has
// finished (EOSE, failure, or cancellation).
type Handle interface {
	Close()
	Done() <-chan struct{}
}

// Interface is what the orchestration layer depends on. *Pool implements
// it; tests substitute fakes.
type Interface interface {
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters, cb Callbacks) Handle
	Publish(ctx context.Context, relays []string, ev *nostr.Event) map[string]error
}

const (
	dialTimeout    = 7 * time.Second
	writeTimeout   = 10 * time.Second
	publishTimeout = 10 * time.Second
	idleAfter      = 2 * time.Minute

	connectAttempts  = 3
	connectRetryBase = 250 * time.Millisecond
)

type pubAck struct {
	ok      bool
	message string
}

// relaySub is the per-connection fan-in point for one REQ.
type relaySub struct {
	id     string
	events chan *nostr.Event
	eose   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *relaySub) close() {
	s.once.Do(func() { close(s.done) })
}

// relayConn owns a single websocket connection and routes incoming frames
// to its subscriptions and pending publishes.
type relayConn struct {
	conn         *websocket.Conn
	url          string
	mu           sync.Mutex
	writeMu      sync.Mutex
	subs         map[string]*relaySub
	pending      map[string]chan pubAck // event id -> ack
	closed       bool
	lastActivity time.Time

	dropped *atomic.Int64
}

// Pool manages connections to multiple relays, reusing one websocket per
// relay across subscriptions and publishes.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn
	stop        chan struct{}
	stopOnce    sync.Once

	droppedEvents atomic.Int64
}

func NewPool() *Pool {
	p := &Pool{
		connections: make(map[string]*relayConn),
		stop:        make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Close tears the pool down. Outstanding subscriptions are closed.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	conns := p.connections
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()
	for _, rc := range conns {
		rc.markClosed()
	}
}

// DroppedEvents reports events discarded because a delivery channel was full.
func (p *Pool) DroppedEvents() int64 { return p.droppedEvents.Load() }

// ConnectionCount reports currently open relay connections.
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &relayConn{
		conn:         conn,
		url:          relayURL,
		subs:         make(map[string]*relaySub),
		pending:      make(map[string]chan pubAck),
		lastActivity: time.Now(),
		dropped:      &p.droppedEvents,
	}
	p.connections[relayURL] = rc
	go rc.readLoop()
	slog.Debug("pool: connected", "relay", relayURL)
	return rc, nil
}

// connWithRetry dials with a bounded number of attempts, doubling the delay
// between them.
func (p *Pool) connWithRetry(ctx context.Context, relayURL string) (*relayConn, error) {
	delay := connectRetryBase
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (p *Pool) dropConn(relayURL string, rc *relayConn) {
	p.mu.Lock()
	if p.connections[relayURL] == rc {
		delete(p.connections, relayURL)
	}
	p.mu.Unlock()
	rc.markClosed()
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) touch() {
	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

// readLoop continuously reads frames from the connection and routes them.
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		_, raw, err := rc.conn.ReadMessage()
		if err != nil {
			if !rc.isClosed() {
				slog.Debug("pool: read error", "relay", rc.url, "error", err)
			}
			return
		}
		rc.touch()

		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			var ev nostr.Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				continue
			}
			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub == nil {
				continue
			}
			select {
			case sub.events <- &ev:
			case <-sub.done:
			default:
				rc.dropped.Add(1)
			}

		case "EOSE":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.eose <- struct{}{}:
				default:
				}
			}

		case "OK":
			if len(frame) < 3 {
				continue
			}
			var eventID string
			var accepted bool
			if err := json.Unmarshal(frame[1], &eventID); err != nil {
				continue
			}
			if err := json.Unmarshal(frame[2], &accepted); err != nil {
				continue
			}
			var message string
			if len(frame) >= 4 {
				json.Unmarshal(frame[3], &message)
			}
			rc.mu.Lock()
			ack := rc.pending[eventID]
			delete(rc.pending, eventID)
			rc.mu.Unlock()
			if ack != nil {
				select {
				case ack <- pubAck{ok: accepted, message: message}:
				default:
				}
			}

		case "CLOSED":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			rc.mu.Lock()
			sub := rc.subs[subID]
			delete(rc.subs, subID)
			rc.mu.Unlock()
			if sub != nil {
				sub.close()
			}

		case "NOTICE":
			var notice string
			json.Unmarshal(frame[1], &notice)
			slog.Debug("pool: notice", "relay", rc.url, "notice", notice)
		}
	}
}

func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
	for _, sub := range rc.subs {
		sub.close()
	}
	rc.subs = make(map[string]*relaySub)
	rc.pending = make(map[string]chan pubAck)
}

func (rc *relayConn) addSub(sub *relaySub) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return errors.New("connection closed")
	}
	rc.subs[sub.id] = sub
	return nil
}

func (rc *relayConn) removeSub(sub *relaySub) {
	rc.mu.Lock()
	_, exists := rc.subs[sub.id]
	delete(rc.subs, sub.id)
	open := !rc.closed
	rc.mu.Unlock()
	if exists && open {
		rc.writeJSON([]interface{}{"CLOSE", sub.id})
	}
	sub.close()
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes closed connections and closes ones idle with no
// subscriptions.
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for u, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subs) == 0 && len(rc.pending) == 0 && now.Sub(rc.lastActivity) > idleAfter
		closed := rc.closed
		rc.mu.Unlock()
		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", u)
				rc.markClosed()
			}
			delete(p.connections, u)
		}
	}
}

// isRelayURLSafe blocks connections to private and internal destinations.
// Loopback stays allowed for local relays and tests.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".") {
		return false
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now may still be a valid external host; the dial
		// will fail on its own if not.
		return true
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}

func randomID(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
