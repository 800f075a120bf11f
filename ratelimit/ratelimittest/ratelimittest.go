// Package ratelimittest holds the behavioural contract every
// ratelimit.Limiter implementation must satisfy.
package ratelimittest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pairline/pairline/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Harness bundles a limiter under test with a way to move its clock.
type Harness struct {
	Limiter ratelimit.Limiter
	// Advance moves the limiter's notion of time forward by d.
	Advance func(d time.Duration)
}

// HarnessFactory creates a fresh limiter for each subtest.
type HarnessFactory func(t *testing.T) Harness

// RunLimiterTests runs the complete Limiter test suite against the provided factory.
func RunLimiterTests(t *testing.T, factory HarnessFactory) {
	t.Run("AllowsUpToLimitThenDenies", func(t *testing.T) { testUpToLimit(t, factory) })
	t.Run("WindowResetsAfterExpiry", func(t *testing.T) { testWindowReset(t, factory) })
	t.Run("IdentitiesAreIndependent", func(t *testing.T) { testIdentities(t, factory) })
	t.Run("RulesAreIndependent", func(t *testing.T) { testRules(t, factory) })
	t.Run("ResetAtFallsInsideWindow", func(t *testing.T) { testResetAt(t, factory) })
	t.Run("ConcurrentHitsNeverOverAdmit", func(t *testing.T) { testConcurrent(t, factory) })
	t.Run("InvalidRuleRejected", func(t *testing.T) { testInvalidRule(t, factory) })
}

var rule = ratelimit.Rule{Name: "test-action", Limit: 3, Window: time.Minute}

func testUpToLimit(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	for i := 1; i <= rule.Limit; i++ {
		res, err := h.Limiter.Allow(ctx, "id", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d should be allowed", i)
		}
		if res.Remaining != rule.Limit-i {
			t.Fatalf("hit %d: expected remaining %d, got %d", i, rule.Limit-i, res.Remaining)
		}
	}

	res, err := h.Limiter.Allow(ctx, "id", rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("hit over the limit should be denied")
	}
	if res.TotalHits != int64(rule.Limit+1) || res.Remaining != 0 {
		t.Fatalf("unexpected denial result %+v", res)
	}
}

func testWindowReset(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	for i := 0; i <= rule.Limit; i++ {
		if _, err := h.Limiter.Allow(ctx, "id", rule); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}

	h.Advance(rule.Window + time.Second)

	res, err := h.Limiter.Allow(ctx, "id", rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed || res.TotalHits != 1 {
		t.Fatalf("expected a fresh window, got %+v", res)
	}
}

func testIdentities(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	for i := 0; i <= rule.Limit; i++ {
		_, _ = h.Limiter.Allow(ctx, "noisy", rule)
	}
	res, err := h.Limiter.Allow(ctx, "quiet", rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed || res.TotalHits != 1 {
		t.Fatalf("another identity must not share the window: %+v", res)
	}
}

func testRules(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	other := ratelimit.Rule{Name: "other-action", Limit: 1, Window: time.Minute}

	for i := 0; i <= rule.Limit; i++ {
		_, _ = h.Limiter.Allow(ctx, "id", rule)
	}
	res, err := h.Limiter.Allow(ctx, "id", other)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("another rule must not share the window: %+v", res)
	}
}

func testResetAt(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	before := time.Now()
	res, err := h.Limiter.Allow(context.Background(), "id", rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.ResetAt.Before(before) || res.ResetAt.After(before.Add(rule.Window+time.Second)) {
		t.Fatalf("ResetAt %v outside [%v, %v]", res.ResetAt, before, before.Add(rule.Window))
	}
	if res.Limit != rule.Limit {
		t.Fatalf("expected limit %d, got %d", rule.Limit, res.Limit)
	}
}

func testConcurrent(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	burst := ratelimit.Rule{Name: "burst", Limit: 10, Window: time.Minute}

	var allowed atomic.Int64
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			res, err := h.Limiter.Allow(context.Background(), "shared", burst)
			if err != nil {
				return err
			}
			if res.Allowed {
				allowed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if got := allowed.Load(); got != int64(burst.Limit) {
		t.Fatalf("expected exactly %d admissions, got %d", burst.Limit, got)
	}
}

func testInvalidRule(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	for _, r := range []ratelimit.Rule{
		{Name: "", Limit: 1, Window: time.Second},
		{Name: "x", Limit: 0, Window: time.Second},
		{Name: "x", Limit: 1, Window: 0},
	} {
		if _, err := h.Limiter.Allow(context.Background(), "id", r); !errors.Is(err, ratelimit.ErrInvalidRule) {
			t.Fatalf("rule %+v: expected ErrInvalidRule, got %v", r, err)
		}
	}
}
