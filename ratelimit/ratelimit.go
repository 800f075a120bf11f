// Package ratelimit bounds how often a client identity may perform an action.
//
// Windows are fixed, not sliding: the first hit in a window starts a counter
// that expires Window later, and every hit in between increments it. A hit is
// allowed while the counter stays at or below the rule's Limit. Backends make
// the increment and the expiry one atomic step so that concurrent processes
// sharing a store can never over-admit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRule is returned for rules with an empty name or a non-positive
// limit or window.
var ErrInvalidRule = errors.New("ratelimit: invalid rule")

// Rule names one limited action.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Validate reports whether r can be enforced.
func (r Rule) Validate() error {
	if r.Name == "" || r.Limit <= 0 || r.Window <= 0 {
		return fmt.Errorf("%w: %q limit=%d window=%s", ErrInvalidRule, r.Name, r.Limit, r.Window)
	}
	return nil
}

// Built-in rules.
var (
	// SendMessage is keyed by connection id.
	SendMessage = Rule{Name: "send-message", Limit: 30, Window: 10 * time.Second}
	// MatchIntent is keyed by connection id.
	MatchIntent = Rule{Name: "match-intent", Limit: 10, Window: time.Minute}
	// RequestUpload is keyed by client IP.
	RequestUpload = Rule{Name: "request-upload", Limit: 10, Window: 5 * time.Minute}
)

// Rules is the set of rules a deployment enforces.
type Rules struct {
	SendMessage   Rule
	MatchIntent   Rule
	RequestUpload Rule
}

// DefaultRules returns the built-in rules.
func DefaultRules() Rules {
	return Rules{SendMessage: SendMessage, MatchIntent: MatchIntent, RequestUpload: RequestUpload}
}

// Validate checks every rule in the set.
func (rs Rules) Validate() error {
	return errors.Join(rs.SendMessage.Validate(), rs.MatchIntent.Validate(), rs.RequestUpload.Validate())
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed bool
	// Limit echoes the rule's limit for response headers.
	Limit     int
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt   time.Time
	TotalHits int64
}

// RetryAfter is how long a denied caller should wait, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NewResult derives a Result from a window's hit count and expiry.
func NewResult(rule Rule, hits int64, resetAt time.Time) Result {
	remaining := int64(rule.Limit) - hits
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   hits <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: int(remaining),
		ResetAt:   resetAt,
		TotalHits: hits,
	}
}

// Limiter counts hits per (rule, identity).
type Limiter interface {
	// Allow records one hit for identity under rule. Denied hits still count.
	Allow(ctx context.Context, identity string, rule Rule) (Result, error)
}
