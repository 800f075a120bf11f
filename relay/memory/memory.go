// Package memory provides an in-process implementation of relay.Relay. Each
// subscriber owns a buffered channel and consumes it on its own goroutine, so
// envelopes reach every subscriber in publish order.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pairline/pairline/relay"
)

const defaultBuffer = 1024

// DefaultPublishTimeout is how long Publish waits on a full subscriber
// buffer before dropping the envelope for that subscriber.
const DefaultPublishTimeout = time.Second

// ErrSubscriberFull is returned by Publish when at least one subscriber's
// buffer stayed full past the publish timeout. Every other subscriber still
// received the envelope.
var ErrSubscriberFull = errors.New("relay: subscriber buffer full")

// Relay implements relay.Relay in memory. Several controllers sharing one
// Relay behave like several processes sharing one Redis stream.
type Relay struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	closed  bool
	closing chan struct{}
	counter atomic.Int64
	buffer  int
	timeout time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithBuffer sets each subscriber's buffer size.
func WithBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

type subscription struct {
	ch   chan relay.Envelope
	done chan struct{}
}

// New creates an empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		subs:    make(map[*subscription]struct{}),
		closing: make(chan struct{}),
		buffer:  defaultBuffer,
		timeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish delivers env to every current subscriber. A full buffer is waited
// on for at most the publish timeout, shared by all subscribers of one call.
// Callers may hold locks the subscriber's handler needs, so Publish must not
// wait forever.
func (r *Relay) Publish(ctx context.Context, env relay.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env.ID = strconv.FormatInt(r.counter.Add(1), 10)
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return relay.ErrClosed
	}

	var (
		timer   *time.Timer
		expired bool
		dropped bool
	)
	for sub := range r.subs {
		select {
		case sub.ch <- env:
			continue
		case <-sub.done:
			continue
		default:
		}
		if expired {
			dropped = true
			continue
		}
		if timer == nil {
			timer = time.NewTimer(r.timeout)
			defer timer.Stop()
		}
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			expired, dropped = true, true
		}
	}
	if dropped {
		return ErrSubscriberFull
	}
	return nil
}

// Subscribe consumes envelopes on the caller's goroutine until ctx ends, h
// fails or the relay is closed.
func (r *Relay) Subscribe(ctx context.Context, h relay.Handler) error {
	sub := &subscription{ch: make(chan relay.Envelope, r.buffer), done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return relay.ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	defer func() {
		// Unblock publishers waiting on our buffer before taking the lock
		// they hold for reading.
		close(sub.done)
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closing:
			return relay.ErrClosed
		case env := <-sub.ch:
			if err := h(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Subscribers reports how many subscriptions are active.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close rejects further publishes and ends active subscriptions.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.closing)
	}
	return nil
}

var _ relay.Relay = (*Relay)(nil)
