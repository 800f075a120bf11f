package presence

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a Session survives without being rewritten. It
// lets entries orphaned by a crashed process expire on their own.
const DefaultTTL = 24 * time.Hour

// ErrInvalidSessionID is returned when an operation is given an empty id.
var ErrInvalidSessionID = errors.New("presence: empty session id")

// Gender is the declared gender category of a connection.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Valid reports whether g is one of the known categories.
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// Profile is what a connection supplies during onboarding.
type Profile struct {
	Nickname string `json:"nickname"`
	Gender   Gender `json:"gender"`
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	// Scope is the preferred matching scope ("global" or "local"), if any.
	Scope string `json:"scope,omitempty"`
}

// Session is the presence record for one active connection.
type Session struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Gender    Gender    `json:"gender"`
	Country   string    `json:"country,omitempty"`
	Region    string    `json:"region,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PublicProfile is the subset of a Session that other connections may see.
type PublicProfile struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Gender   Gender `json:"gender"`
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Public projects the session onto its publicly visible fields.
func (s Session) Public() PublicProfile {
	return PublicProfile{
		ID:       s.ID,
		Nickname: s.Nickname,
		Gender:   s.Gender,
		Country:  s.Country,
		Region:   s.Region,
	}
}

// Profile returns the profile the session was built from.
func (s Session) Profile() Profile {
	return Profile{
		Nickname: s.Nickname,
		Gender:   s.Gender,
		Country:  s.Country,
		Region:   s.Region,
		Scope:    s.Scope,
	}
}

// Apply builds the Session that results from writing p under id. When prev is
// non-nil its CreatedAt is preserved so an upsert only stamps creation once.
func Apply(id string, p Profile, prev *Session, now time.Time) Session {
	s := Session{
		ID:        id,
		Nickname:  p.Nickname,
		Gender:    p.Gender,
		Country:   p.Country,
		Region:    p.Region,
		Scope:     p.Scope,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev != nil && !prev.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	}
	return s
}

// Registry maps connection ids to presence metadata. Every write resets the
// entry's TTL. Implementations MUST be safe for concurrent use and MUST be
// shared by every process of a deployment for presence to be fleet-wide.
type Registry interface {
	// Upsert creates or replaces the Session for id. CreatedAt is stamped on
	// first insert and preserved afterwards.
	Upsert(ctx context.Context, id string, p Profile) (Session, error)

	// Get returns the Session for id. ok is false when it is absent or expired.
	Get(ctx context.Context, id string) (s Session, ok bool, err error)

	// ListAll returns an unordered, best-effort snapshot of live sessions.
	ListAll(ctx context.Context) ([]Session, error)

	// Remove deletes the Session for id. Removing an absent id is a no-op.
	Remove(ctx context.Context, id string) error
}
