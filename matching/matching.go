package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pairline/pairline/presence"
)

// DefaultPartitionTTL caps how long an idle partition survives. Every enqueue
// pushes the deadline out again.
const DefaultPartitionTTL = time.Hour

var (
	// ErrInvalidScope is returned for a scope outside {global, local}.
	ErrInvalidScope = errors.New("matching: invalid scope")
	// ErrMissingCountry is returned when a local request has no country.
	ErrMissingCountry = errors.New("matching: local scope requires a country")
	// ErrInvalidRequest is returned for a request that cannot be queued.
	ErrInvalidRequest = errors.New("matching: invalid request")
)

// Scope selects which pool of waiting connections a request draws from.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeLocal  Scope = "local"
)

// GenderFilter is the peer gender a request is willing to accept.
type GenderFilter string

const (
	WantMale   GenderFilter = "male"
	WantFemale GenderFilter = "female"
	WantAll    GenderFilter = "all"
)

// Valid reports whether f is a known filter.
func (f GenderFilter) Valid() bool {
	return f == WantMale || f == WantFemale || f == WantAll
}

// Accepts reports whether a peer of gender g passes the filter.
func (f GenderFilter) Accepts(g presence.Gender) bool {
	return f == WantAll || string(f) == string(g)
}

// Partition names one ordered queue: "global" or "local:<COUNTRY>".
type Partition string

// PartitionFor maps a scope and country to the partition requests wait in.
func PartitionFor(scope Scope, country string) (Partition, error) {
	switch scope {
	case ScopeGlobal:
		return Partition(ScopeGlobal), nil
	case ScopeLocal:
		c := strings.ToUpper(strings.TrimSpace(country))
		if c == "" {
			return "", ErrMissingCountry
		}
		return Partition(string(ScopeLocal) + ":" + c), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

// MatchRequest is a connection's intent to be paired.
type MatchRequest struct {
	ConnectionID string          `json:"connectionId"`
	Gender       presence.Gender `json:"gender"`
	Country      string          `json:"country,omitempty"`
	Region       string          `json:"region,omitempty"`
	Scope        Scope           `json:"scope"`
	Desired      GenderFilter    `json:"desired"`
}

// Partition returns the partition the request belongs to.
func (r MatchRequest) Partition() (Partition, error) {
	return PartitionFor(r.Scope, r.Country)
}

// Validate checks that the request can be queued and matched.
func (r MatchRequest) Validate() error {
	if r.ConnectionID == "" {
		return fmt.Errorf("%w: missing connection id", ErrInvalidRequest)
	}
	if !r.Gender.Valid() {
		return fmt.Errorf("%w: gender %q", ErrInvalidRequest, r.Gender)
	}
	if !r.Desired.Valid() {
		return fmt.Errorf("%w: desired gender %q", ErrInvalidRequest, r.Desired)
	}
	if _, err := r.Partition(); err != nil {
		return err
	}
	return nil
}

// Compatible reports whether a and b accept each other. Both directions must
// hold.
func Compatible(a, b MatchRequest) bool {
	return a.Desired.Accepts(b.Gender) && b.Desired.Accepts(a.Gender)
}

// Entry is one waiting request inside a partition. ID names this exact
// enqueue so that a claim can never remove a later re-enqueue of the same
// connection.
type Entry struct {
	ID         string       `json:"id"`
	Request    MatchRequest `json:"request"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

// Queue is the scope-partitioned waiting list shared by every process.
// Implementations MUST be safe for concurrent use across goroutines and,
// for shared backends, across processes.
type Queue interface {
	// Enqueue appends req to its partition using the current time as the
	// ordering key, replacing any entry the same connection already has in
	// that partition, and refreshes the partition TTL.
	Enqueue(ctx context.Context, req MatchRequest) (Entry, error)

	// Snapshot returns the partition's entries, oldest first.
	Snapshot(ctx context.Context, p Partition) ([]Entry, error)

	// Claim removes entry from p only if it is still present. Exactly one of
	// any number of concurrent callers observes true for a given entry.
	Claim(ctx context.Context, p Partition, entry Entry) (bool, error)

	// Cancel removes any entry for connectionID from p. Absent entries are a
	// no-op.
	Cancel(ctx context.Context, p Partition, connectionID string) error

	// Restore puts a claimed entry back exactly as it was: same ID, same
	// position by EnqueuedAt. It reports false and changes nothing when the
	// entry is already present or its connection has queued again since.
	Restore(ctx context.Context, p Partition, entry Entry) (bool, error)
}
