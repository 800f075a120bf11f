package memory

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/pairline/pairline/relay"
	"github.com/pairline/pairline/relay/relaytest"
)

func TestMemoryRelay(t *testing.T) {
	relaytest.RunRelayTests(t, func(t *testing.T) relay.Relay {
		return New()
	})
}

// A subscriber stuck in its handler must not wedge publishers, who may hold
// the very lock the handler waits for.
func TestPublishGivesUpOnFullSubscriber(t *testing.T) {
	r := New(WithBuffer(1), WithPublishTimeout(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stuck := make(chan struct{})
	entered := make(chan struct{}, 1)
	go func() {
		_ = r.Subscribe(ctx, func(ctx context.Context, env relay.Envelope) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-stuck
			return nil
		})
	}()
	healthy := make(chan relay.Envelope, 8)
	go func() {
		_ = r.Subscribe(ctx, func(ctx context.Context, env relay.Envelope) error {
			healthy <- env
			return nil
		})
	}()
	for r.Subscribers() != 2 {
		time.Sleep(5 * time.Millisecond)
	}

	// The first envelope parks the stuck handler; the second fills its buffer.
	if err := r.Publish(ctx, relay.Envelope{Target: "x", Event: "1"}); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	<-entered
	if err := r.Publish(ctx, relay.Envelope{Target: "x", Event: "2"}); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	start := time.Now()
	err := r.Publish(ctx, relay.Envelope{Target: "x", Event: "3"})
	if !errors.Is(err, ErrSubscriberFull) {
		t.Fatalf("expected ErrSubscriberFull, got %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("publish blocked for %v", d)
	}

	for want := 1; want <= 3; want++ {
		select {
		case env := <-healthy:
			if env.Event != strconv.Itoa(want) {
				t.Fatalf("healthy subscriber got %s, want %d", env.Event, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("healthy subscriber missed envelope %d", want)
		}
	}
	close(stuck)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	r := New()
	if err := r.Publish(context.Background(), relay.Envelope{Target: "gone", Event: "message"}); err != nil {
		t.Fatalf("publish to nobody: %v", err)
	}
	if n := r.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
