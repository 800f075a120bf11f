// Package redis implements ratelimit.Limiter on Redis. Each (rule, identity)
// window is one counter key:
//
//	<prefix>ratelimit:<rule>:<identity>   STRING  hit count, PEXPIRE = window
//
// INCR and the first PEXPIRE run in one Lua script so no process can observe
// a counter without an expiry.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pairline/pairline/ratelimit"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis limiter.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "pairline:".
	KeyPrefix string
}

// Limiter implements ratelimit.Limiter on Redis.
type Limiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pairline:"
	}
	return &Limiter{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (l *Limiter) key(rule ratelimit.Rule, identity string) string {
	return l.keyPrefix + "ratelimit:" + rule.Name + ":" + identity
}

// A counter that somehow lost its expiry (PTTL -1) is given one again rather
// than limiting forever.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Allow counts one hit for identity under rule in a single round trip.
func (l *Limiter) Allow(ctx context.Context, identity string, rule ratelimit.Rule) (ratelimit.Result, error) {
	if err := rule.Validate(); err != nil {
		return ratelimit.Result{}, err
	}

	key := l.key(rule, identity)
	res, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("failed to count hit on %s: %w", key, err)
	}
	if len(res) != 2 {
		return ratelimit.Result{}, fmt.Errorf("unexpected reply from rate limit script: %v", res)
	}

	resetAt := time.Now().Add(time.Duration(res[1]) * time.Millisecond)
	return ratelimit.NewResult(rule, res[0], resetAt), nil
}

var _ ratelimit.Limiter = (*Limiter)(nil)
