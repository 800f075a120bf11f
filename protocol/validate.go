package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
)

// Field bounds.
const (
	MaxNicknameRunes = 32
	MaxRegionRunes   = 64
	MaxMessageRunes  = 500
)

// ErrInvalid is the sentinel every ValidationError matches.
var ErrInvalid = errors.New("protocol: invalid field")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NormalizeProfile trims and upper-cases profile fields and checks them.
func NormalizeProfile(p presence.Profile) (presence.Profile, error) {
	p.Nickname = strings.TrimSpace(p.Nickname)
	switch n := utf8.RuneCountInString(p.Nickname); {
	case n == 0:
		return p, invalid("nickname", "required")
	case n > MaxNicknameRunes:
		return p, invalid("nickname", fmt.Sprintf("longer than %d characters", MaxNicknameRunes))
	}
	if !p.Gender.Valid() {
		return p, invalid("gender", fmt.Sprintf("must be %q or %q", presence.GenderMale, presence.GenderFemale))
	}

	country, err := NormalizeCountry(p.Country)
	if err != nil {
		return p, err
	}
	p.Country = country

	p.Region = strings.TrimSpace(p.Region)
	if utf8.RuneCountInString(p.Region) > MaxRegionRunes {
		return p, invalid("state", fmt.Sprintf("longer than %d characters", MaxRegionRunes))
	}

	if p.Scope != "" && p.Scope != string(matching.ScopeGlobal) && p.Scope != string(matching.ScopeLocal) {
		return p, invalid("scope", fmt.Sprintf("must be %q or %q", matching.ScopeGlobal, matching.ScopeLocal))
	}
	return p, nil
}

// NormalizeCountry upper-cases an ISO 3166 alpha-2 code. Empty is allowed.
func NormalizeCountry(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "", nil
	}
	if len(c) != 2 || c[0] < 'A' || c[0] > 'Z' || c[1] < 'A' || c[1] > 'Z' {
		return "", invalid("country", "must be a two-letter country code")
	}
	return c, nil
}

// NormalizeText trims a chat message and checks its length.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		return "", invalid("text", "required")
	case n > MaxMessageRunes:
		return "", invalid("text", fmt.Sprintf("longer than %d characters", MaxMessageRunes))
	}
	return text, nil
}

func validateScope(s matching.Scope) error {
	if s == "" || s == matching.ScopeGlobal || s == matching.ScopeLocal {
		return nil
	}
	return invalid("scope", fmt.Sprintf("must be %q or %q", matching.ScopeGlobal, matching.ScopeLocal))
}

func validateDesired(g matching.GenderFilter) error {
	if g == "" || g.Valid() {
		return nil
	}
	return invalid("desiredGender", fmt.Sprintf("must be %q, %q or %q", matching.WantMale, matching.WantFemale, matching.WantAll))
}

func validatePeer(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("peerId", "required")
	}
	return nil
}
