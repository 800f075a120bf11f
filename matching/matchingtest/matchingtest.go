// Package matchingtest holds the behavioural contract every matching.Queue
// implementation must satisfy, including the engine scenarios that depend on
// the queue's atomic claim.
package matchingtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
	"golang.org/x/sync/errgroup"
)

// Harness bundles a queue under test with a way to move its clock.
type Harness struct {
	Queue matching.Queue
	// TTL is the partition expiry the queue was configured with.
	TTL time.Duration
	// Advance moves the queue's notion of time forward by d.
	Advance func(d time.Duration)
}

// HarnessFactory creates a fresh, empty queue for each subtest.
type HarnessFactory func(t *testing.T) Harness

// RunQueueTests runs the complete Queue and Engine test suite against the provided factory.
func RunQueueTests(t *testing.T, factory HarnessFactory) {
	t.Run("Queue_SnapshotIsOldestFirst", func(t *testing.T) { testSnapshotOrder(t, factory) })
	t.Run("Queue_EnqueueReplacesSameConnection", func(t *testing.T) { testEnqueueReplaces(t, factory) })
	t.Run("Queue_PartitionIsolation", func(t *testing.T) { testPartitionIsolation(t, factory) })
	t.Run("Queue_ClaimRemovesExactEntry", func(t *testing.T) { testClaimExactEntry(t, factory) })
	t.Run("Queue_ConcurrentClaimAtMostOnce", func(t *testing.T) { testConcurrentClaim(t, factory) })
	t.Run("Queue_CancelIsIdempotent", func(t *testing.T) { testCancelIdempotent(t, factory) })
	t.Run("Queue_RestoreReinsertsExactEntry", func(t *testing.T) { testRestore(t, factory) })
	t.Run("Queue_PartitionTTLSelfHeal", func(t *testing.T) { testPartitionTTL(t, factory) })

	t.Run("Engine_ScenarioA_QueuedWhenEmpty", func(t *testing.T) { testScenarioA(t, factory) })
	t.Run("Engine_ScenarioB_PairsCompatible", func(t *testing.T) { testScenarioB(t, factory) })
	t.Run("Engine_ScenarioC_IncompatibleQueues", func(t *testing.T) { testScenarioC(t, factory) })
	t.Run("Engine_ScenarioD_DisconnectCancels", func(t *testing.T) { testScenarioD(t, factory) })
	t.Run("Engine_ScenarioE_ConcurrentMatchersSingleWinner", func(t *testing.T) { testScenarioE(t, factory) })
	t.Run("Engine_NoSelfMatch", func(t *testing.T) { testNoSelfMatch(t, factory) })
	t.Run("Engine_MutualCompatibilityGrid", func(t *testing.T) { testMutualCompatibility(t, factory) })
	t.Run("Engine_OldestCompatibleWins", func(t *testing.T) { testOldestWins(t, factory) })
	t.Run("Engine_StaleEntriesSkipped", func(t *testing.T) { testStaleEntriesSkipped(t, factory) })
	t.Run("Engine_RescanOnlyClaimsOlder", func(t *testing.T) { testRescanOlderOnly(t, factory) })
	t.Run("Engine_LivenessErrorRestoresCandidate", func(t *testing.T) { testLivenessErrorRestores(t, factory) })
	t.Run("Engine_ConcurrentPairingUniqueness", func(t *testing.T) { testConcurrentPairing(t, factory) })
}

func req(id string, g presence.Gender, want matching.GenderFilter) matching.MatchRequest {
	return matching.MatchRequest{ConnectionID: id, Gender: g, Scope: matching.ScopeGlobal, Country: "US", Desired: want}
}

func localReq(id, country string, g presence.Gender, want matching.GenderFilter) matching.MatchRequest {
	return matching.MatchRequest{ConnectionID: id, Gender: g, Scope: matching.ScopeLocal, Country: country, Desired: want}
}

func mustEnqueue(t *testing.T, q matching.Queue, r matching.MatchRequest) matching.Entry {
	t.Helper()
	e, err := q.Enqueue(context.Background(), r)
	if err != nil {
		t.Fatalf("enqueue %s: %v", r.ConnectionID, err)
	}
	return e
}

func snapshotIDs(t *testing.T, q matching.Queue, p matching.Partition) []string {
	t.Helper()
	entries, err := q.Snapshot(context.Background(), p)
	if err != nil {
		t.Fatalf("snapshot %s: %v", p, err)
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Request.ConnectionID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Queue tests ---

func testSnapshotOrder(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		mustEnqueue(t, h.Queue, req(id, presence.GenderMale, matching.WantAll))
	}
	got := snapshotIDs(t, h.Queue, "global")
	if want := []string{"a", "b", "c", "d"}; !equalIDs(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func testEnqueueReplaces(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	first := mustEnqueue(t, h.Queue, req("a", presence.GenderMale, matching.WantAll))
	mustEnqueue(t, h.Queue, req("b", presence.GenderMale, matching.WantAll))
	second := mustEnqueue(t, h.Queue, req("a", presence.GenderMale, matching.WantFemale))

	got := snapshotIDs(t, h.Queue, "global")
	if want := []string{"b", "a"}; !equalIDs(got, want) {
		t.Fatalf("expected re-enqueue to replace and move to back: want %v, got %v", want, got)
	}

	// The superseded entry must not be claimable any more.
	ok, err := h.Queue.Claim(context.Background(), "global", first)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if ok {
		t.Fatalf("claimed a superseded entry")
	}
	ok, err = h.Queue.Claim(context.Background(), "global", second)
	if err != nil || !ok {
		t.Fatalf("claim current: ok=%v err=%v", ok, err)
	}
}

func testPartitionIsolation(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	mustEnqueue(t, h.Queue, req("g1", presence.GenderMale, matching.WantAll))
	mustEnqueue(t, h.Queue, localReq("us1", "us", presence.GenderMale, matching.WantAll))
	mustEnqueue(t, h.Queue, localReq("de1", "DE", presence.GenderMale, matching.WantAll))

	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"g1"}) {
		t.Fatalf("global: %v", got)
	}
	if got := snapshotIDs(t, h.Queue, "local:US"); !equalIDs(got, []string{"us1"}) {
		t.Fatalf("local:US: %v", got)
	}
	if got := snapshotIDs(t, h.Queue, "local:DE"); !equalIDs(got, []string{"de1"}) {
		t.Fatalf("local:DE: %v", got)
	}
	if got := snapshotIDs(t, h.Queue, "local:FR"); len(got) != 0 {
		t.Fatalf("local:FR: %v", got)
	}
}

func testClaimExactEntry(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	mustEnqueue(t, h.Queue, req("a", presence.GenderMale, matching.WantAll))
	b := mustEnqueue(t, h.Queue, req("b", presence.GenderMale, matching.WantAll))
	mustEnqueue(t, h.Queue, req("c", presence.GenderMale, matching.WantAll))

	ok, err := h.Queue.Claim(ctx, "global", b)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"a", "c"}) {
		t.Fatalf("expected [a c], got %v", got)
	}
	ok, err = h.Queue.Claim(ctx, "global", b)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("entry claimed twice")
	}
}

func testConcurrentClaim(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	e := mustEnqueue(t, h.Queue, req("solo", presence.GenderFemale, matching.WantAll))

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			ok, err := h.Queue.Claim(context.Background(), "global", e)
			if err != nil {
				return err
			}
			if ok {
				wins.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n := wins.Load(); n != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", n)
	}
}

func testCancelIdempotent(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Queue.Cancel(ctx, "global", "nobody"); err != nil {
		t.Fatalf("cancel absent: %v", err)
	}

	e := mustEnqueue(t, h.Queue, req("a", presence.GenderMale, matching.WantAll))
	if ok, err := h.Queue.Claim(ctx, "global", e); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	// Already matched.
	if err := h.Queue.Cancel(ctx, "global", "a"); err != nil {
		t.Fatalf("cancel matched: %v", err)
	}

	mustEnqueue(t, h.Queue, req("b", presence.GenderMale, matching.WantAll))
	for i := 0; i < 2; i++ {
		if err := h.Queue.Cancel(ctx, "global", "b"); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
	}
	if got := snapshotIDs(t, h.Queue, "global"); len(got) != 0 {
		t.Fatalf("expected empty partition, got %v", got)
	}
}

func testRestore(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	a := mustEnqueue(t, h.Queue, req("a", presence.GenderMale, matching.WantAll))
	b := mustEnqueue(t, h.Queue, req("b", presence.GenderMale, matching.WantAll))

	if ok, err := h.Queue.Claim(ctx, "global", a); err != nil || !ok {
		t.Fatalf("claim a: ok=%v err=%v", ok, err)
	}
	ok, err := h.Queue.Restore(ctx, "global", a)
	if err != nil || !ok {
		t.Fatalf("restore a: ok=%v err=%v", ok, err)
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected a back in front of b, got %v", got)
	}
	// Same id: the original holder can still withdraw it.
	entries, err := h.Queue.Snapshot(ctx, "global")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if entries[0].ID != a.ID {
		t.Fatalf("restored entry has id %q, want %q", entries[0].ID, a.ID)
	}

	ok, err = h.Queue.Restore(ctx, "global", a)
	if err != nil {
		t.Fatalf("restore present: %v", err)
	}
	if ok {
		t.Fatalf("restored an entry that was still queued")
	}

	if ok, err := h.Queue.Claim(ctx, "global", b); err != nil || !ok {
		t.Fatalf("claim b: ok=%v err=%v", ok, err)
	}
	mustEnqueue(t, h.Queue, req("b", presence.GenderMale, matching.WantFemale))
	ok, err = h.Queue.Restore(ctx, "global", b)
	if err != nil {
		t.Fatalf("restore superseded: %v", err)
	}
	if ok {
		t.Fatalf("restored an entry whose connection queued again")
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func testPartitionTTL(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	mustEnqueue(t, h.Queue, req("abandoned", presence.GenderMale, matching.WantAll))
	h.Advance(h.TTL / 2)
	mustEnqueue(t, h.Queue, req("later", presence.GenderMale, matching.WantAll))
	h.Advance(h.TTL * 3 / 4)

	// The second enqueue refreshed the whole partition.
	if got := snapshotIDs(t, h.Queue, "global"); len(got) != 2 {
		t.Fatalf("expected refreshed partition to survive, got %v", got)
	}

	h.Advance(h.TTL * 2)
	if got := snapshotIDs(t, h.Queue, "global"); len(got) != 0 {
		t.Fatalf("expected partition to expire, got %v", got)
	}
}

// --- Engine scenarios ---

func testScenarioA(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	eng := matching.NewEngine(h.Queue)
	ctx := context.Background()

	u1 := req("u1", presence.GenderMale, matching.WantFemale)
	peer, err := eng.TryMatch(ctx, u1)
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if peer != nil {
		t.Fatalf("expected no peer on empty queue, got %+v", peer)
	}
	if _, err := eng.Enqueue(ctx, u1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"u1"}) {
		t.Fatalf("expected [u1], got %v", got)
	}
}

func testScenarioB(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	eng := matching.NewEngine(h.Queue)
	ctx := context.Background()

	mustEnqueue(t, h.Queue, req("u1", presence.GenderMale, matching.WantFemale))
	peer, err := eng.TryMatch(ctx, req("u2", presence.GenderFemale, matching.WantMale))
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if peer == nil || peer.Request.ConnectionID != "u1" {
		t.Fatalf("expected u1, got %+v", peer)
	}
	if got := snapshotIDs(t, h.Queue, "global"); len(got) != 0 {
		t.Fatalf("expected empty queue after pairing, got %v", got)
	}
}

func testScenarioC(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	eng := matching.NewEngine(h.Queue)
	ctx := context.Background()

	mustEnqueue(t, h.Queue, req("u4", presence.GenderMale, matching.WantFemale))
	u3 := req("u3", presence.GenderMale, matching.WantAll)
	peer, err := eng.TryMatch(ctx, u3)
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if peer != nil {
		t.Fatalf("u4 does not want male peers, got %+v", peer)
	}
	if _, err := eng.Enqueue(ctx, u3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"u4", "u3"}) {
		t.Fatalf("expected [u4 u3], got %v", got)
	}
}

func testScenarioD(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	eng := matching.NewEngine(h.Queue)
	ctx := context.Background()

	u1 := localReq("u1", "US", presence.GenderMale, matching.WantAll)
	if _, err := eng.Enqueue(ctx, u1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p, _ := u1.Partition()
	if err := eng.Cancel(ctx, p, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := snapshotIDs(t, h.Queue, "local:US"); len(got) != 0 {
		t.Fatalf("expected u1 gone from local:US, got %v", got)
	}
}

func testScenarioE(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	mustEnqueue(t, h.Queue, req("u5", presence.GenderFemale, matching.WantAll))

	// Two independent engines stand in for two processes.
	engines := []*matching.Engine{matching.NewEngine(h.Queue), matching.NewEngine(h.Queue)}
	results := make([]*matching.Entry, len(engines))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, eng := range engines {
		i, eng := i, eng
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			peer, err := eng.TryMatch(context.Background(), req(fmt.Sprintf("m%d", i), presence.GenderMale, matching.WantAll))
			if err != nil {
				t.Errorf("try match %d: %v", i, err)
				return
			}
			results[i] = peer
		}()
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil {
			if r.Request.ConnectionID != "u5" {
				t.Fatalf("unexpected peer %s", r.Request.ConnectionID)
			}
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one matcher to receive u5, got %d", winners)
	}
}

func testNoSelfMatch(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	eng := matching.NewEngine(h.Queue)

	self := req("me", presence.GenderMale, matching.WantAll)
	mustEnqueue(t, h.Queue, self)
	peer, err := eng.TryMatch(context.Background(), self)
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if peer != nil {
		t.Fatalf("matched against own entry: %+v", peer)
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"me"}) {
		t.Fatalf("own entry must survive a self scan, got %v", got)
	}
}

func testMutualCompatibility(t *testing.T, factory HarnessFactory) {
	genders := []presence.Gender{presence.GenderMale, presence.GenderFemale}
	filters := []matching.GenderFilter{matching.WantMale, matching.WantFemale, matching.WantAll}

	for _, wg := range genders {
		for _, wf := range filters {
			for _, sg := range genders {
				for _, sf := range filters {
					name := fmt.Sprintf("waiting_%s_%s/seeker_%s_%s", wg, wf, sg, sf)
					t.Run(name, func(t *testing.T) {
						h := factory(t)
						eng := matching.NewEngine(h.Queue)
						waiting := req("w", wg, wf)
						seeker := req("s", sg, sf)
						mustEnqueue(t, h.Queue, waiting)

						peer, err := eng.TryMatch(context.Background(), seeker)
						if err != nil {
							t.Fatalf("try match: %v", err)
						}
						want := wf.Accepts(sg) && sf.Accepts(wg)
						if got := peer != nil; got != want {
							t.Fatalf("paired=%v, want %v", got, want)
						}
						if peer != nil && !matching.Compatible(seeker, peer.Request) {
							t.Fatalf("returned incompatible pair")
						}
					})
				}
			}
		}
	}
}

func testOldestWins(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	eng := matching.NewEngine(h.Queue)

	mustEnqueue(t, h.Queue, req("picky", presence.GenderFemale, matching.WantFemale))
	mustEnqueue(t, h.Queue, req("first", presence.GenderFemale, matching.WantAll))
	mustEnqueue(t, h.Queue, req("second", presence.GenderFemale, matching.WantMale))

	peer, err := eng.TryMatch(context.Background(), req("seeker", presence.GenderMale, matching.WantFemale))
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if peer == nil || peer.Request.ConnectionID != "first" {
		t.Fatalf("expected oldest compatible entry 'first', got %+v", peer)
	}
	if got := snapshotIDs(t, h.Queue, "global"); !equalIDs(got, []string{"picky", "second"}) {
		t.Fatalf("expected [picky second], got %v", got)
	}
}

func testStaleEntriesSkipped(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	gone := map[string]bool{"ghost": true}
	eng := matching.NewEngine(h.Queue, matching.WithLiveness(func(ctx context.Context, id string) (bool, error) {
		return !gone[id], nil
	}))

	mustEnqueue(t, h.Queue, req("ghost", presence.GenderFemale, matching.WantAll))
	mustEnqueue(t, h.Queue, req("alive", presence.GenderFemale, matching.WantAll))

	peer, err := eng.TryMatch(context.Background(), req("seeker", presence.GenderMale, matching.WantAll))
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if peer == nil || peer.Request.ConnectionID != "alive" {
		t.Fatalf("expected to skip ghost and pair with alive, got %+v", peer)
	}
	if got := snapshotIDs(t, h.Queue, "global"); len(got) != 0 {
		t.Fatalf("expected ghost entry consumed too, got %v", got)
	}
}

func testRescanOlderOnly(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	eng := matching.NewEngine(h.Queue)

	older := mustEnqueue(t, h.Queue, req("older", presence.GenderMale, matching.WantAll))
	newer := mustEnqueue(t, h.Queue, req("newer", presence.GenderFemale, matching.WantAll))

	peer, err := eng.Rescan(ctx, older)
	if err != nil {
		t.Fatalf("rescan older: %v", err)
	}
	if peer != nil {
		t.Fatalf("older entry claimed a newer one: %+v", peer)
	}
	peer, err = eng.Rescan(ctx, newer)
	if err != nil {
		t.Fatalf("rescan newer: %v", err)
	}
	if peer == nil || peer.ID != older.ID {
		t.Fatalf("expected newer to claim older, got %+v", peer)
	}

	// older is gone now; its own rescan has nothing to do.
	peer, err = eng.Rescan(ctx, older)
	if err != nil || peer != nil {
		t.Fatalf("rescan of a claimed entry: peer=%+v err=%v", peer, err)
	}
}

func testLivenessErrorRestores(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	eng := matching.NewEngine(h.Queue, matching.WithLiveness(func(context.Context, string) (bool, error) {
		return false, fmt.Errorf("store down")
	}))

	a := mustEnqueue(t, h.Queue, req("a", presence.GenderFemale, matching.WantAll))
	mustEnqueue(t, h.Queue, req("b", presence.GenderFemale, matching.WantAll))

	if _, err := eng.TryMatch(ctx, req("seeker", presence.GenderMale, matching.WantAll)); err == nil {
		t.Fatalf("expected liveness error")
	}
	entries, err := h.Queue.Snapshot(ctx, "global")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != a.ID {
		t.Fatalf("expected a restored at the front with its id, got %+v", entries)
	}
}

func testConcurrentPairing(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	const waiting = 20
	for i := 0; i < waiting; i++ {
		mustEnqueue(t, h.Queue, req(fmt.Sprintf("w%02d", i), presence.GenderFemale, matching.WantAll))
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var g errgroup.Group
	for i := 0; i < waiting+10; i++ {
		eng := matching.NewEngine(h.Queue)
		seeker := fmt.Sprintf("s%02d", i)
		g.Go(func() error {
			peer, err := eng.TryMatch(context.Background(), req(seeker, presence.GenderMale, matching.WantFemale))
			if err != nil {
				return err
			}
			if peer == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[peer.Request.ConnectionID]; dup {
				return fmt.Errorf("%s claimed by both %s and %s", peer.Request.ConnectionID, prev, seeker)
			}
			claimed[peer.Request.ConnectionID] = seeker
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(claimed) != waiting {
		t.Fatalf("expected every waiter claimed exactly once, got %d of %d", len(claimed), waiting)
	}
}
