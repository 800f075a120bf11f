// Package lifecycle drives one state machine per connection and keeps the
// session registry, the matching queue and the relay in step with it.
//
// A process only ever mutates the state of connections attached to it. Every
// event for another connection, including connections attached to this same
// process, travels through the relay; the process owning the target applies
// it in Deliver. That keeps one ordered path per target and makes pairing
// across processes the same code path as pairing within one.
//
//	Connecting -> Onboarding -> Idle <-> Queued
//	                            Idle/Queued -> Paired -> Idle (leave)
//	any -> Terminated (absorbing)
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pairline/pairline/internal/metrics"
	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
	"github.com/pairline/pairline/protocol"
	"github.com/pairline/pairline/ratelimit"
	"github.com/pairline/pairline/relay"
)

// State is where a connection is in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateOnboarding
	StateIdle
	StateQueued
	StatePaired
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnboarding:
		return "onboarding"
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StatePaired:
		return "paired"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrValidation wraps a protocol validation failure. Nothing was changed.
	ErrValidation = errors.New("lifecycle: validation failed")
	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("lifecycle: rate limited")
	// ErrTransient wraps a store or relay failure. The connection's state was
	// not advanced and the client may retry.
	ErrTransient = errors.New("lifecycle: transient failure")
	// ErrInvalidState is returned for operations the current state does not
	// accept, such as matching before onboarding.
	ErrInvalidState = errors.New("lifecycle: operation not allowed in current state")
	// ErrAlreadyPaired is returned for a match intent during a live
	// conversation.
	ErrAlreadyPaired = errors.New("lifecycle: already paired")
	// ErrNotPaired is returned for a message or typing event that does not
	// address the current peer.
	ErrNotPaired = errors.New("lifecycle: not paired with that peer")
	// ErrUnknownConnection is returned for ids not attached to this process.
	ErrUnknownConnection = errors.New("lifecycle: unknown connection")
	// ErrTerminated is returned for ids that already disconnected.
	ErrTerminated = errors.New("lifecycle: connection terminated")
)

// RateLimitError reports a denied operation along with when it may be retried.
type RateLimitError struct {
	Rule   ratelimit.Rule
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: %d/%d in window", e.Rule.Name, e.Result.TotalHits, e.Rule.Limit)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

func validationErr(err error) error { return fmt.Errorf("%w: %w", ErrValidation, err) }

func transientErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Sink receives the frames addressed to one connection. Send must not block;
// the gateway buffers and drops slow clients itself.
type Sink interface {
	Send(f protocol.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f protocol.Frame) error

func (fn SinkFunc) Send(f protocol.Frame) error { return fn(f) }

// Origin is what the edge knows about where a connection comes from.
type Origin struct {
	RemoteAddr string
	// Country and Region come from CDN geo headers and may be empty.
	Country string
	Region  string
}

// Attachment is what the gateway hands over when a socket opens.
type Attachment struct {
	Sink   Sink
	Origin Origin
}

// MatchParams is a match intent. A non-nil Profile is written before matching,
// which also completes onboarding.
type MatchParams struct {
	Profile *presence.Profile
	Desired matching.GenderFilter
	Scope   matching.Scope
}

// OutcomeKind distinguishes the two results of a match intent.
type OutcomeKind string

const (
	OutcomePaired OutcomeKind = "paired"
	OutcomeQueued OutcomeKind = "queued"
)

// MatchOutcome is the result of OnMatchIntent. Peer is set when paired.
type MatchOutcome struct {
	Kind OutcomeKind
	Peer *presence.Session
}

// DefaultTombstoneTTL is how long a disconnected id stays known as terminated.
// It outlives presence.DefaultTTL so a stale registry entry is always
// filtered.
const DefaultTombstoneTTL = presence.DefaultTTL + time.Hour

const defaultTombstones = 100_000

// DefaultClaimGrace is how long a queued connection whose entry was claimed
// waits for the claimer's matched event before giving up on it.
const DefaultClaimGrace = 5 * time.Second

// Config wires a Controller to its collaborators.
type Config struct {
	// Registry, Queue, Relay and Limiter are required.
	Registry presence.Registry
	Queue    matching.Queue
	Relay    relay.Relay
	Limiter  ratelimit.Limiter

	// Rules defaults to ratelimit.DefaultRules().
	Rules *ratelimit.Rules
	// InstanceID names this process in relay envelopes.
	InstanceID string
	// Logger defaults to discarding.
	Logger *slog.Logger
	// Metrics defaults to unregistered collectors.
	Metrics *metrics.Metrics
	// TombstoneTTL defaults to DefaultTombstoneTTL.
	TombstoneTTL time.Duration
	// ClaimGrace defaults to DefaultClaimGrace.
	ClaimGrace time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) setDefaults() error {
	if cfg.Registry == nil || cfg.Queue == nil || cfg.Relay == nil || cfg.Limiter == nil {
		return fmt.Errorf("registry, queue, relay and limiter are required")
	}
	if cfg.Rules == nil {
		rules := ratelimit.DefaultRules()
		cfg.Rules = &rules
	}
	if err := cfg.Rules.Validate(); err != nil {
		return err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = DefaultClaimGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return nil
}

func newTombstones(ttl time.Duration) *expirable.LRU[string, struct{}] {
	return expirable.NewLRU[string, struct{}](defaultTombstones, nil, ttl)
}
