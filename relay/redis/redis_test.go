package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pairline/pairline/relay"
	"github.com/pairline/pairline/relay/relaytest"
	"github.com/redis/go-redis/v9"
)

func newRelay(t *testing.T, mr *miniredis.Miniredis, maxLen int64) *Relay {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r, err := New(Config{Client: client, KeyPrefix: "test:", MaxLen: maxLen, Block: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRedisRelay(t *testing.T) {
	relaytest.RunRelayTests(t, func(t *testing.T) relay.Relay {
		return newRelay(t, miniredis.RunT(t), 0)
	})
}

// Two Relay values on one server model two processes.
func TestRedisRelayCrossProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	procA := newRelay(t, mr, 0)
	procB := newRelay(t, mr, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan relay.Envelope, 1)
	go func() {
		_ = procB.Subscribe(ctx, func(ctx context.Context, env relay.Envelope) error {
			got <- env
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if err := procA.Publish(ctx, relay.Envelope{Target: "conn-on-b", Source: "conn-on-a", Event: "message", Origin: "A"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case env := <-got:
		if env.Target != "conn-on-b" || env.Origin != "A" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("envelope never crossed processes")
	}
}

func TestRedisRelayTrimsStream(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRelay(t, mr, 10)
	for i := 0; i < 200; i++ {
		if err := r.Publish(context.Background(), relay.Envelope{Target: "x", Event: fmt.Sprint(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	n, err := r.client.XLen(context.Background(), r.streamKey).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n >= 200 {
		t.Fatalf("expected stream to be trimmed, length %d", n)
	}
}

// A Redis restart mid-subscription delays delivery but does not end it.
func TestSubscribeSurvivesRedisRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r, err := New(Config{
		Client:    client,
		KeyPrefix: "test:",
		Block:     50 * time.Millisecond,
		RetryMin:  10 * time.Millisecond,
		RetryMax:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan relay.Envelope, 8)
	done := make(chan error, 1)
	go func() {
		done <- r.Subscribe(ctx, func(ctx context.Context, env relay.Envelope) error {
			got <- env
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	publishUntilAccepted := func(event string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for {
			err := r.Publish(ctx, relay.Envelope{Target: "x", Event: event})
			if err == nil {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("publish %s: %v", event, err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	expect := func(event string) {
		t.Helper()
		select {
		case env := <-got:
			if env.Event != event {
				t.Fatalf("expected %s, got %s", event, env.Event)
			}
		case err := <-done:
			t.Fatalf("subscription ended: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never delivered", event)
		}
	}

	publishUntilAccepted("before")
	expect("before")

	mr.Close()
	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("subscription ended on a read failure: %v", err)
	default:
	}
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	publishUntilAccepted("after")
	expect("after")

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
