// Package presencetest holds the behavioural contract every
// presence.Registry implementation must satisfy.
package presencetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pairline/pairline/presence"
)

// Harness bundles a registry under test with a way to move its clock.
type Harness struct {
	Registry presence.Registry
	// TTL is the expiry the registry was configured with.
	TTL time.Duration
	// Advance moves the registry's notion of time forward by d.
	Advance func(d time.Duration)
}

// HarnessFactory creates a fresh, empty registry for each subtest.
type HarnessFactory func(t *testing.T) Harness

// RunRegistryTests runs the complete Registry test suite against the provided factory.
func RunRegistryTests(t *testing.T, factory HarnessFactory) {
	t.Run("UpsertThenGet", func(t *testing.T) { testUpsertThenGet(t, factory) })
	t.Run("UpsertPreservesCreatedAt", func(t *testing.T) { testUpsertPreservesCreatedAt(t, factory) })
	t.Run("GetAbsent", func(t *testing.T) { testGetAbsent(t, factory) })
	t.Run("ListAll", func(t *testing.T) { testListAll(t, factory) })
	t.Run("RemoveIsIdempotent", func(t *testing.T) { testRemoveIsIdempotent(t, factory) })
	t.Run("TTLSelfHeal", func(t *testing.T) { testTTLSelfHeal(t, factory) })
	t.Run("WriteResetsTTL", func(t *testing.T) { testWriteResetsTTL(t, factory) })
	t.Run("ConcurrentUpsertsSingleSession", func(t *testing.T) { testConcurrentUpserts(t, factory) })
}

func profile(nick string, g presence.Gender) presence.Profile {
	return presence.Profile{Nickname: nick, Gender: g, Country: "US", Region: "CA", Scope: "global"}
}

func testUpsertThenGet(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	s, err := h.Registry.Upsert(ctx, "c1", profile("alice", presence.GenderFemale))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if s.ID != "c1" || s.Nickname != "alice" || s.Gender != presence.GenderFemale {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}

	got, ok, err := h.Registry.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected session to exist")
	}
	if got.Nickname != "alice" || got.Country != "US" || got.Region != "CA" || got.Scope != "global" {
		t.Fatalf("unexpected stored session: %+v", got)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) {
		t.Fatalf("CreatedAt mismatch: stored %v returned %v", got.CreatedAt, s.CreatedAt)
	}
}

func testUpsertPreservesCreatedAt(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	first, err := h.Registry.Upsert(ctx, "c1", profile("alice", presence.GenderFemale))
	if err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := h.Registry.Upsert(ctx, "c1", profile("alicia", presence.GenderFemale))
	if err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on rewrite: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	got, ok, err := h.Registry.Get(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Nickname != "alicia" {
		t.Fatalf("expected replaced nickname, got %q", got.Nickname)
	}

	all, err := h.Registry.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one session per id, got %d", len(all))
	}
}

func testGetAbsent(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	_, ok, err := h.Registry.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected absent session")
	}
}

func testListAll(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.Registry.Upsert(ctx, id, profile("n-"+id, presence.GenderMale)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := h.Registry.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	all, err := h.Registry.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("expected [a c], got %v", ids)
	}
}

func testRemoveIsIdempotent(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Registry.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if _, err := h.Registry.Upsert(ctx, "c1", profile("x", presence.GenderMale)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.Registry.Remove(ctx, "c1"); err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
	}
	if _, ok, _ := h.Registry.Get(ctx, "c1"); ok {
		t.Fatalf("expected session removed")
	}
}

func testTTLSelfHeal(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	if _, err := h.Registry.Upsert(ctx, "orphan", profile("ghost", presence.GenderMale)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	h.Advance(h.TTL * 2)

	if _, ok, err := h.Registry.Get(ctx, "orphan"); err != nil || ok {
		t.Fatalf("expected orphan to expire: ok=%v err=%v", ok, err)
	}
	all, err := h.Registry.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no sessions after expiry, got %d", len(all))
	}
}

func testWriteResetsTTL(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	if _, err := h.Registry.Upsert(ctx, "c1", profile("x", presence.GenderMale)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	h.Advance(h.TTL * 6 / 10)
	if _, err := h.Registry.Upsert(ctx, "c1", profile("x", presence.GenderMale)); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	h.Advance(h.TTL * 6 / 10)

	if _, ok, err := h.Registry.Get(ctx, "c1"); err != nil || !ok {
		t.Fatalf("expected rewrite to extend TTL: ok=%v err=%v", ok, err)
	}
}

func testConcurrentUpserts(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Registry.Upsert(ctx, "shared", profile("x", presence.GenderFemale)); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	all, err := h.Registry.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single session, got %d", len(all))
	}
}
