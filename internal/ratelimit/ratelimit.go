package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(c clock.Clock, rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		clock:      c,
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       rate,
		lastRefill: c.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Admission gates new tunnel sessions, globally and per peer public key.
// A zero rate disables that tier.
type Admission struct {
	mu       sync.Mutex
	clock    clock.Clock
	global   *TokenBucket
	perPeer  map[string]*TokenBucket
	peerRate float64
	burst    int
}

// Config carries session admission limits in sessions per second.
type Config struct {
	GlobalRate float64
	PeerRate   float64
	Burst      int
}

// NewAdmission builds an admission gate. A nil clock selects the wall clock.
func NewAdmission(cfg Config, c clock.Clock) *Admission {
	if c == nil {
		c = clock.New()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	a := &Admission{
		clock:    c,
		perPeer:  make(map[string]*TokenBucket),
		peerRate: cfg.PeerRate,
		burst:    cfg.Burst,
	}
	if cfg.GlobalRate > 0 {
		a.global = NewTokenBucket(c, cfg.GlobalRate, cfg.Burst)
	}
	return a
}

// Allow reports whether a new session for peer may start now.
func (a *Admission) Allow(peer string) bool {
	if a == nil {
		return true
	}
	if a.global != nil && !a.global.Allow() {
		return false
	}
	if a.peerRate <= 0 {
		return true
	}
	a.mu.Lock()
	bucket, ok := a.perPeer[peer]
	if !ok {
		bucket = NewTokenBucket(a.clock, a.peerRate, a.burst)
		a.perPeer[peer] = bucket
	}
	a.mu.Unlock()
	return bucket.Allow()
}

// Prune drops per-peer buckets for peers without an active session.
func (a *Admission) Prune(active map[string]bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for peer := range a.perPeer {
		if !active[peer] {
			delete(a.perPeer, peer)
		}
	}
}

// Peers returns the number of tracked per-peer buckets.
func (a *Admission) Peers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.perPeer)
}
