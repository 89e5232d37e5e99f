// Package ratelimit throttles what a gateway session may ask for: upstream
// dials and relayed lines, each with a global and a per-session bucket.
package ratelimit

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.tokens+tokensToAdd, tb.capacity)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limits configures a Limiter. Zero rates disable that bucket.
type Limits struct {
	GlobalDial     int
	PerSessionDial int
	GlobalLine     int
	PerSessionLine int
	Burst          int
}

// Limiter manages global and per-session buckets.
type Limiter struct {
	limits Limits
	now    func() time.Time

	globalDial *TokenBucket
	globalLine *TokenBucket

	mu    sync.Mutex
	dials map[string]*TokenBucket
	lines map[string]*TokenBucket
}

func New(l Limits) *Limiter {
	return newLimiter(l, time.Now)
}

func newLimiter(l Limits, now func() time.Time) *Limiter {
	if l.Burst <= 0 {
		l.Burst = 1
	}
	rl := &Limiter{
		limits: l,
		now:    now,
		dials:  make(map[string]*TokenBucket),
		lines:  make(map[string]*TokenBucket),
	}
	if l.GlobalDial > 0 {
		rl.globalDial = newTokenBucket(l.GlobalDial, l.Burst, now)
	}
	if l.GlobalLine > 0 {
		rl.globalLine = newTokenBucket(l.GlobalLine, l.Burst, now)
	}
	return rl
}

// AllowDial reports whether session may open another upstream connection.
func (rl *Limiter) AllowDial(session string) bool {
	return rl.allow(rl.globalDial, rl.dials, rl.limits.PerSessionDial, session)
}

// AllowLine reports whether session may relay another line upstream.
func (rl *Limiter) AllowLine(session string) bool {
	return rl.allow(rl.globalLine, rl.lines, rl.limits.PerSessionLine, session)
}

func (rl *Limiter) allow(global *TokenBucket, per map[string]*TokenBucket, rate int, session string) bool {
	if global != nil && !global.Allow() {
		return false
	}
	if rate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := per[session]
	if !ok {
		bucket = newTokenBucket(rate, rl.limits.Burst, rl.now)
		per[session] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the buckets of one session.
func (rl *Limiter) Forget(session string) {
	rl.mu.Lock()
	delete(rl.dials, session)
	delete(rl.lines, session)
	rl.mu.Unlock()
}

// Retain drops the buckets of every session not in active.
func (rl *Limiter) Retain(active mapset.Set[string]) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for s := range rl.dials {
		if !active.Contains(s) {
			delete(rl.dials, s)
		}
	}
	for s := range rl.lines {
		if !active.Contains(s) {
			delete(rl.lines, s)
		}
	}
}

// Tracked is the number of sessions holding at least one bucket.
func (rl *Limiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	seen := mapset.NewThreadUnsafeSet[string]()
	for s := range rl.dials {
		seen.Add(s)
	}
	for s := range rl.lines {
		seen.Add(s)
	}
	return seen.Cardinality()
}
