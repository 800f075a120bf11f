// Package relaytest holds the behavioural contract every relay.Relay
// implementation must satisfy.
package relaytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pairline/pairline/relay"
)

// RelayFactory creates a fresh relay for each subtest.
type RelayFactory func(t *testing.T) relay.Relay

// settle gives a just-started subscription time to attach before publishing.
const settle = 100 * time.Millisecond

// RunRelayTests runs the complete Relay test suite against the provided factory.
func RunRelayTests(t *testing.T, factory RelayFactory) {
	t.Run("EnvelopeFieldsRoundTrip", func(t *testing.T) { testEnvelopeRoundTrip(t, factory) })
	t.Run("FanOutToEverySubscriber", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("OrderPreservedPerSource", func(t *testing.T) { testOrder(t, factory) })
	t.Run("LateSubscriberOnlySeesLaterEvents", func(t *testing.T) { testLateSubscriber(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("CancellationStopsSubscription", func(t *testing.T) { testCancellation(t, factory) })
	t.Run("CloseStopsSubscriptionsAndPublishes", func(t *testing.T) { testClose(t, factory) })
}

type collector struct {
	mu   sync.Mutex
	envs []relay.Envelope
}

func (c *collector) handle(ctx context.Context, env relay.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []relay.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]relay.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []relay.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d envelopes, have %d", n, len(c.snapshot()))
	return nil
}

func subscribe(t *testing.T, r relay.Relay, h relay.Handler) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- r.Subscribe(ctx, h) }()
	time.Sleep(settle)
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func testEnvelopeRoundTrip(t *testing.T, factory RelayFactory) {
	r := factory(t)
	c := &collector{}
	subscribe(t, r, c.handle)

	sent := relay.Envelope{
		Target:  "conn-b",
		Source:  "conn-a",
		Event:   "message",
		Payload: json.RawMessage(`{"text":"hi"}`),
		Origin:  "proc-1",
		SentAt:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	if err := r.Publish(context.Background(), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := c.waitFor(t, 1)[0]
	if got.ID == "" {
		t.Fatalf("expected delivered envelope to carry an id")
	}
	if got.Target != sent.Target || got.Source != sent.Source || got.Event != sent.Event || got.Origin != sent.Origin {
		t.Fatalf("envelope mismatch: %+v", got)
	}
	if string(got.Payload) != `{"text":"hi"}` {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
	if !got.SentAt.Equal(sent.SentAt) {
		t.Fatalf("SentAt mismatch: %v", got.SentAt)
	}
}

func testFanOut(t *testing.T, factory RelayFactory) {
	r := factory(t)
	a, b := &collector{}, &collector{}
	subscribe(t, r, a.handle)
	subscribe(t, r, b.handle)

	for i := 0; i < 3; i++ {
		if err := r.Publish(context.Background(), relay.Envelope{Target: relay.Broadcast, Event: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for name, c := range map[string]*collector{"a": a, "b": b} {
		got := c.waitFor(t, 3)
		if len(got) != 3 {
			t.Fatalf("subscriber %s: expected 3 envelopes, got %d", name, len(got))
		}
	}
}

func testOrder(t *testing.T, factory RelayFactory) {
	r := factory(t)
	c := &collector{}
	subscribe(t, r, c.handle)

	const n = 50
	for i := 0; i < n; i++ {
		if err := r.Publish(context.Background(), relay.Envelope{Target: "b", Source: "a", Event: fmt.Sprintf("%03d", i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := c.waitFor(t, n)
	for i, env := range got {
		if want := fmt.Sprintf("%03d", i); env.Event != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, env.Event)
		}
	}
}

func testLateSubscriber(t *testing.T, factory RelayFactory) {
	r := factory(t)
	if err := r.Publish(context.Background(), relay.Envelope{Target: "x", Event: "before"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := &collector{}
	subscribe(t, r, c.handle)
	if err := r.Publish(context.Background(), relay.Envelope{Target: "x", Event: "after"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := c.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	got = c.snapshot()
	if len(got) != 1 || got[0].Event != "after" {
		t.Fatalf("expected only [after], got %+v", got)
	}
}

func testHandlerError(t *testing.T, factory RelayFactory) {
	r := factory(t)
	boom := errors.New("boom")
	_, done := subscribe(t, r, func(ctx context.Context, env relay.Envelope) error { return boom })

	if err := r.Publish(context.Background(), relay.Envelope{Target: "x", Event: "e"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop on handler error")
	}
}

func testCancellation(t *testing.T, factory RelayFactory) {
	r := factory(t)
	cancel, done := subscribe(t, r, func(ctx context.Context, env relay.Envelope) error { return nil })
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop on cancel")
	}
}

func testClose(t *testing.T, factory RelayFactory) {
	r := factory(t)
	_, done := subscribe(t, r, func(ctx context.Context, env relay.Envelope) error { return nil })

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, relay.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop on close")
	}
	if err := r.Publish(context.Background(), relay.Envelope{Target: "x", Event: "e"}); !errors.Is(err, relay.ErrClosed) {
		t.Fatalf("expected ErrClosed from publish, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
