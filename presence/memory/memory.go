// Package memory provides an in-process implementation of presence.Registry
// backed by github.com/hashicorp/golang-lru/v2/expirable so entries expire
// exactly like they do in the shared store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pairline/pairline/presence"
)

// Registry implements presence.Registry in memory. State is local to the
// process, so it is only suitable for tests and single-node deployments.
type Registry struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, presence.Session]
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	ttl time.Duration
}

// WithTTL overrides presence.DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	o := options{ttl: presence.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = presence.DefaultTTL
	}
	return &Registry{
		// Size 0 means unbounded; expiry is the only eviction.
		cache: expirable.NewLRU[string, presence.Session](0, nil, o.ttl),
	}
}

// Upsert writes id's profile, keeping CreatedAt from an earlier write.
func (r *Registry) Upsert(ctx context.Context, id string, p presence.Profile) (presence.Session, error) {
	if err := ctx.Err(); err != nil {
		return presence.Session{}, err
	}
	if id == "" {
		return presence.Session{}, presence.ErrInvalidSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *presence.Session
	if cur, ok := r.cache.Get(id); ok {
		prev = &cur
	}
	s := presence.Apply(id, p, prev, time.Now().UTC())
	r.cache.Add(id, s)
	return s, nil
}

// Get returns id's session if it has not expired.
func (r *Registry) Get(ctx context.Context, id string) (presence.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return presence.Session{}, false, err
	}
	s, ok := r.cache.Get(id)
	return s, ok, nil
}

// ListAll returns every unexpired session in no particular order.
func (r *Registry) ListAll(ctx context.Context) ([]presence.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.cache.Values(), nil
}

// Remove deletes id's session. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.cache.Remove(id)
	return nil
}

var _ presence.Registry = (*Registry)(nil)
