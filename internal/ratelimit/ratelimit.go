// Package ratelimit tracks the external request and token budget shared by
// job executions. Both budgets are token buckets that refill continuously
// over the configured window.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sizes the budget. A zero Requests or Tokens leaves that dimension
// unlimited.
type Config struct {
	Requests int
	Tokens   int
	Window   time.Duration
}

// Remaining is a snapshot of the available budget.
type Remaining struct {
	Requests int `json:"requests"`
	Tokens   int `json:"tokens"`
}

// Budget is a request/token budget. It is safe for concurrent use.
type Budget struct {
	mu       sync.Mutex
	requests *rate.Limiter
	tokens   *rate.Limiter
	cfg      Config

	// Now returns the current time. Tests replace it to simulate refill.
	Now func() time.Time
}

// New creates a full budget.
func New(cfg Config) *Budget {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Budget{
		requests: newLimiter(cfg.Requests, cfg.Window),
		tokens:   newLimiter(cfg.Tokens, cfg.Window),
		cfg:      cfg,
		Now:      time.Now,
	}
}

func newLimiter(capacity int, window time.Duration) *rate.Limiter {
	if capacity <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	every := rate.Limit(float64(capacity) / window.Seconds())
	return rate.NewLimiter(every, capacity)
}

// Available reports whether at least one request and one token remain.
// It does not consume budget.
func (b *Budget) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()
	return hasOne(b.requests, now) && hasOne(b.tokens, now)
}

func hasOne(l *rate.Limiter, now time.Time) bool {
	if l.Limit() == rate.Inf {
		return true
	}
	return l.TokensAt(now) >= 1
}

// Spend records one request that consumed the given number of tokens. A
// spend larger than the remaining balance leaves the bucket in debt until it
// refills.
func (b *Budget) Spend(tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()
	spend(b.requests, now, 1)
	spend(b.tokens, now, tokens)
}

func spend(l *rate.Limiter, now time.Time, n int) {
	if l.Limit() == rate.Inf || n <= 0 {
		return
	}
	if n > l.Burst() {
		n = l.Burst()
	}
	l.ReserveN(now, n)
}

// Remaining returns the budget currently available. Unlimited dimensions
// report math.MaxInt32.
func (b *Budget) Remaining() Remaining {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()
	return Remaining{
		Requests: remaining(b.requests, now),
		Tokens:   remaining(b.tokens, now),
	}
}

func remaining(l *rate.Limiter, now time.Time) int {
	if l.Limit() == rate.Inf {
		return math.MaxInt32
	}
	v := l.TokensAt(now)
	if v < 0 {
		return 0
	}
	return int(v)
}

// Config returns the configuration the budget was built from.
func (b *Budget) Config() Config { return b.cfg }
