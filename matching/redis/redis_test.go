package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/matching/matchingtest"
	"github.com/pairline/pairline/presence"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueue(t *testing.T) {
	matchingtest.RunQueueTests(t, func(t *testing.T) matchingtest.Harness {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		ttl := time.Hour
		q, err := New(Config{Client: client, KeyPrefix: "test:", TTL: ttl})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return matchingtest.Harness{Queue: q, TTL: ttl, Advance: mr.FastForward}
	})
}

func TestRedisQueueKeysShareHashTag(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q, err := New(Config{Client: client, KeyPrefix: "pl:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := matching.MatchRequest{ConnectionID: "c1", Gender: presence.GenderMale, Scope: matching.ScopeLocal, Country: "BR", Desired: matching.WantAll}
	if _, err := q.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for _, k := range []string{"pl:queue:{local:BR}:order", "pl:queue:{local:BR}:entries", "pl:queue:{local:BR}:conns"} {
		if !mr.Exists(k) {
			t.Fatalf("expected key %s, have %v", k, mr.Keys())
		}
		if ttl := mr.TTL(k); ttl <= 0 || ttl > matching.DefaultPartitionTTL {
			t.Fatalf("expected partition TTL on %s, got %v", k, ttl)
		}
	}
}
