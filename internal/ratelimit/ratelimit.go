// Package ratelimit bounds how fast new peer bridge sessions are opened.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// TokenBucket refills at rate tokens per second up to capacity.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate float64, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{tokens: float64(capacity), capacity: float64(capacity), rate: rate, last: now(), now: now}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Full reports whether the bucket has refilled completely, i.e. it has seen no recent use.
func (tb *TokenBucket) Full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens >= tb.capacity
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now
	}
}

// Limiter combines a global bucket with one bucket per peer IP. A zero rate disables that
// level.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perPeer map[netip.Addr]*TokenBucket
	rate    float64
	burst   int
	now     func() time.Time
}

func NewLimiter(globalRate, peerRate float64, burst int) *Limiter {
	return newLimiter(globalRate, peerRate, burst, time.Now)
}

func newLimiter(globalRate, peerRate float64, burst int, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{perPeer: make(map[netip.Addr]*TokenBucket), rate: peerRate, burst: burst, now: now}
	if globalRate > 0 {
		l.global = newBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether a new session from addr may be opened. A nil Limiter allows all.
func (l *Limiter) Allow(addr netip.Addr) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perPeer[addr]
	if !ok {
		b = newBucket(l.rate, l.burst, l.now)
		l.perPeer[addr] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Prune drops per-peer buckets that have refilled completely and returns how many were removed.
func (l *Limiter) Prune() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, b := range l.perPeer {
		if b.Full() {
			delete(l.perPeer, addr)
			n++
		}
	}
	return n
}

// Peers reports how many per-peer buckets are tracked.
func (l *Limiter) Peers() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perPeer)
}
