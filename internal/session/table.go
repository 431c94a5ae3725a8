// Package session keeps one local bridge connection per remote peer of a relay allocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/ratelimit"
)

const (
	DefaultIdleTimeout  = 10 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadSize     = 64 * 1024
)

var (
	ErrClosed      = errors.New("session: table closed")
	ErrRateLimited = errors.New("session: new session rate limited")
	ErrNoDialer    = errors.New("session: no local dialer configured")
)

// Sender delivers bytes read from a local bridge to the bridge's peer.
type Sender interface {
	SendTo(ctx context.Context, peer netip.AddrPort, p []byte) error
}

type Options struct {
	Dialer      Dialer
	Sender      Sender
	IdleTimeout time.Duration
	// WriteTimeout bounds one write of peer bytes to the local connection. A session whose
	// local side does not drain within it is closed.
	WriteTimeout time.Duration
	// ReadSize is the local read buffer size per session.
	ReadSize int
	Limiter  *ratelimit.Limiter
	// OnClose runs once after a session has been closed and deregistered.
	OnClose func(peer netip.AddrPort)
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadSize <= 0 {
		o.ReadSize = DefaultReadSize
	}
	return o
}

type creation struct {
	done chan struct{}
	s    *Session
	err  error
}

// Table maps peer addresses to live sessions. Creation is serialized per address; different
// addresses are created concurrently.
type Table struct {
	opts Options

	mu       sync.Mutex
	sessions map[netip.AddrPort]*Session
	creating map[netip.AddrPort]*creation
	closed   bool
}

func NewTable(opts Options) *Table {
	return &Table{
		opts:     opts.withDefaults(),
		sessions: make(map[netip.AddrPort]*Session),
		creating: make(map[netip.AddrPort]*creation),
	}
}

// Get returns the live session for peer, if any.
func (t *Table) Get(peer netip.AddrPort) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[peer]
}

// GetOrCreate returns the session for peer, dialing a new local bridge if there is none.
// Concurrent callers for the same new peer share one dial. created is true only for the
// caller whose dial produced the session.
func (t *Table) GetOrCreate(ctx context.Context, peer netip.AddrPort) (s *Session, created bool, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, false, ErrClosed
	}
	if s := t.sessions[peer]; s != nil {
		t.mu.Unlock()
		return s, false, nil
	}
	if t.opts.Dialer == nil {
		t.mu.Unlock()
		return nil, false, ErrNoDialer
	}
	if c := t.creating[peer]; c != nil {
		t.mu.Unlock()
		select {
		case <-c.done:
			return c.s, false, c.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if !t.opts.Limiter.Allow(peer.Addr()) {
		t.mu.Unlock()
		obs.ErrorsTotal.WithLabelValues("session_rate_limited").Inc()
		return nil, false, fmt.Errorf("%w: %s", ErrRateLimited, peer)
	}
	c := &creation{done: make(chan struct{})}
	t.creating[peer] = c
	t.mu.Unlock()

	conn, err := t.opts.Dialer.DialContext(ctx)

	t.mu.Lock()
	delete(t.creating, peer)
	if err == nil && t.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	if err == nil {
		c.s = newSession(t, peer, conn)
		t.sessions[peer] = c.s
	} else {
		c.err = fmt.Errorf("session: dial local bridge for %s: %w", peer, err)
	}
	n := len(t.sessions)
	t.mu.Unlock()
	close(c.done)

	if c.err != nil {
		obs.Warn("session.dial.error", obs.Fields{"peer": peer.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("session_dial").Inc()
		return nil, false, c.err
	}
	obs.SessionsTotal.Inc()
	obs.ActiveSessions.Set(float64(n))
	obs.Info("session.open", obs.Fields{"peer": peer.String(), "local": conn.LocalAddr().String()})
	c.s.start()
	return c.s, true, nil
}

// Remove closes and deregisters the session for peer. It reports whether one existed.
func (t *Table) Remove(peer netip.AddrPort) bool {
	s := t.Get(peer)
	if s == nil {
		return false
	}
	s.Close()
	return true
}

// CloseAll closes every session and refuses new ones.
func (t *Table) CloseAll() {
	t.mu.Lock()
	t.closed = true
	all := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// Info is a point in time view of one session.
type Info struct {
	Peer     string    `json:"peer"`
	Created  time.Time `json:"created"`
	BytesIn  int64     `json:"bytes_in"`
	BytesOut int64     `json:"bytes_out"`
}

// Snapshot lists live sessions ordered by creation time.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// forget drops s if it is still the registered session for its peer.
func (t *Table) forget(s *Session) {
	t.mu.Lock()
	if t.sessions[s.Peer] == s {
		delete(t.sessions, s.Peer)
	}
	n := len(t.sessions)
	t.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
}
