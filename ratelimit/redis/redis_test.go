package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pairline/pairline/ratelimit"
	"github.com/pairline/pairline/ratelimit/ratelimittest"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(Config{Client: client, KeyPrefix: "pl:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, mr
}

func TestRedisLimiter(t *testing.T) {
	ratelimittest.RunLimiterTests(t, func(t *testing.T) ratelimittest.Harness {
		l, mr := newLimiter(t)
		return ratelimittest.Harness{Limiter: l, Advance: mr.FastForward}
	})
}

func TestRedisLimiterKeyCarriesExpiry(t *testing.T) {
	l, mr := newLimiter(t)
	if _, err := l.Allow(context.Background(), "1.2.3.4", ratelimit.RequestUpload); err != nil {
		t.Fatalf("allow: %v", err)
	}
	key := "pl:ratelimit:request-upload:1.2.3.4"
	if !mr.Exists(key) {
		t.Fatalf("expected counter key %s", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > ratelimit.RequestUpload.Window {
		t.Fatalf("expected ttl within the window, got %s", ttl)
	}
}

func TestRedisLimiterRepairsMissingExpiry(t *testing.T) {
	l, mr := newLimiter(t)
	key := "pl:ratelimit:send-message:c1"
	if err := mr.Set(key, "5"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := l.Allow(context.Background(), "c1", ratelimit.SendMessage)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.TotalHits != 6 {
		t.Fatalf("expected 6 hits, got %d", res.TotalHits)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected expiry to be restored, got %s", ttl)
	}
}
