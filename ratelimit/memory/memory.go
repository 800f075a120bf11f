// Package memory provides an in-process ratelimit.Limiter.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pairline/pairline/ratelimit"
)

type window struct {
	hits    int64
	resetAt time.Time
}

// Limiter implements ratelimit.Limiter with a mutex-guarded map. Expired
// windows are swept lazily.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	now       func() time.Time
	lastSweep time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{windows: make(map[string]*window), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

const sweepEvery = time.Minute

// Allow counts one hit for identity under rule.
func (l *Limiter) Allow(ctx context.Context, identity string, rule ratelimit.Rule) (ratelimit.Result, error) {
	if err := rule.Validate(); err != nil {
		return ratelimit.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return ratelimit.Result{}, err
	}

	key := rule.Name + ":" + identity
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.hits++
	return ratelimit.NewResult(rule, w.hits, w.resetAt), nil
}

var _ ratelimit.Limiter = (*Limiter)(nil)
