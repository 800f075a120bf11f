package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pairline/pairline/presence"
	"github.com/pairline/pairline/presence/presencetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisRegistry(t *testing.T) {
	presencetest.RunRegistryTests(t, func(t *testing.T) presencetest.Harness {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		ttl := time.Minute
		r, err := New(Config{Client: client, KeyPrefix: "test:", TTL: ttl})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return presencetest.Harness{Registry: r, TTL: ttl, Advance: mr.FastForward}
	})
}

func TestRedisRegistryKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r, err := New(Config{Client: client, KeyPrefix: "pl:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Upsert(context.Background(), "abc", presenceProfile()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !mr.Exists("pl:session:abc") {
		t.Fatalf("expected hash at pl:session:abc, keys: %v", mr.Keys())
	}
	if ttl := mr.TTL("pl:session:abc"); ttl <= 23*time.Hour {
		t.Fatalf("expected ~24h TTL, got %v", ttl)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}

func presenceProfile() presence.Profile {
	return presence.Profile{Nickname: "n", Gender: presence.GenderMale}
}
