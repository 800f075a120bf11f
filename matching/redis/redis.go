// Package redis implements matching.Queue on Redis so that every process of a
// deployment sees one set of partitions.
//
// Each partition is three keys sharing a hash tag (so Lua scripts stay
// single-slot on a cluster):
//
//	<prefix>queue:{<partition>}:order   ZSET  entry id -> enqueue time (µs)
//	<prefix>queue:{<partition>}:entries HASH  entry id -> JSON entry
//	<prefix>queue:{<partition>}:conns   HASH  connection id -> entry id
//
// Scores are kept strictly increasing within a partition so that two enqueues
// landing in the same microsecond still keep arrival order.
//
// Enqueue, Claim, Cancel and Restore are Lua scripts, so each is atomic with
// respect to every other process. Claim succeeds only for the caller whose
// ZREM removed the id. Restore scores an entry by its EnqueuedAt, so a
// restored entry regains its place ahead of later arrivals.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pairline/pairline/matching"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis queue.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "pairline:".
	KeyPrefix string
	// TTL overrides matching.DefaultPartitionTTL.
	TTL time.Duration
}

// Queue implements matching.Queue on Redis.
type Queue struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// New creates a Redis-backed queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pairline:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = matching.DefaultPartitionTTL
	}
	return &Queue{client: cfg.Client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

// --- Key helpers ---

func (q *Queue) base(p matching.Partition) string {
	return q.keyPrefix + "queue:{" + string(p) + "}:"
}

func (q *Queue) keys(p matching.Partition) []string {
	b := q.base(p)
	return []string{b + "order", b + "entries", b + "conns"}
}

var enqueueScript = redis.NewScript(`
local order, entries, conns = KEYS[1], KEYS[2], KEYS[3]
local conn, id, payload, score, ttl = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local old = redis.call('HGET', conns, conn)
if old then
  redis.call('ZREM', order, old)
  redis.call('HDEL', entries, old)
end
local last = redis.call('ZRANGE', order, -1, -1, 'WITHSCORES')
if last[2] and tonumber(score) <= tonumber(last[2]) then
  score = tonumber(last[2]) + 1
end
redis.call('ZADD', order, score, id)
redis.call('HSET', entries, id, payload)
redis.call('HSET', conns, conn, id)
redis.call('PEXPIRE', order, ttl)
redis.call('PEXPIRE', entries, ttl)
redis.call('PEXPIRE', conns, ttl)
return tonumber(score)
`)

var claimScript = redis.NewScript(`
local order, entries, conns = KEYS[1], KEYS[2], KEYS[3]
local id, conn = ARGV[1], ARGV[2]
if redis.call('ZREM', order, id) == 0 then
  return 0
end
redis.call('HDEL', entries, id)
if redis.call('HGET', conns, conn) == id then
  redis.call('HDEL', conns, conn)
end
return 1
`)

var cancelScript = redis.NewScript(`
local order, entries, conns = KEYS[1], KEYS[2], KEYS[3]
local conn = ARGV[1]
local id = redis.call('HGET', conns, conn)
if not id then
  return 0
end
redis.call('ZREM', order, id)
redis.call('HDEL', entries, id)
redis.call('HDEL', conns, conn)
return 1
`)

var restoreScript = redis.NewScript(`
local order, entries, conns = KEYS[1], KEYS[2], KEYS[3]
local conn, id, payload, score, ttl = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
if redis.call('HEXISTS', conns, conn) == 1 or redis.call('ZSCORE', order, id) then
  return 0
end
redis.call('ZADD', order, score, id)
redis.call('HSET', entries, id, payload)
redis.call('HSET', conns, conn, id)
redis.call('PEXPIRE', order, ttl)
redis.call('PEXPIRE', entries, ttl)
redis.call('PEXPIRE', conns, ttl)
return 1
`)

// Enqueue appends req to its partition, replacing the connection's previous
// entry there.
func (q *Queue) Enqueue(ctx context.Context, req matching.MatchRequest) (matching.Entry, error) {
	p, err := req.Partition()
	if err != nil {
		return matching.Entry{}, err
	}

	now := time.Now().UTC()
	e := matching.Entry{ID: uuid.NewString(), Request: req, EnqueuedAt: now}
	payload, err := json.Marshal(e)
	if err != nil {
		return matching.Entry{}, fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	args := []any{req.ConnectionID, e.ID, payload, now.UnixMicro(), q.ttl.Milliseconds()}
	score, err := enqueueScript.Run(ctx, q.client, q.keys(p), args...).Int64()
	if err != nil {
		return matching.Entry{}, fmt.Errorf("failed to enqueue %s in %s: %w", req.ConnectionID, p, err)
	}
	// The script bumps the score past the newest entry on a tie.
	e.EnqueuedAt = time.UnixMicro(score).UTC()
	return e, nil
}

// Snapshot returns p's entries, oldest first.
func (q *Queue) Snapshot(ctx context.Context, p matching.Partition) ([]matching.Entry, error) {
	keys := q.keys(p)
	members, err := q.client.ZRangeWithScores(ctx, keys[0], 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s: %w", p, err)
	}
	if len(members) == 0 {
		return []matching.Entry{}, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i], _ = m.Member.(string)
	}

	vals, err := q.client.HMGet(ctx, keys[1], ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for %s: %w", p, err)
	}

	out := make([]matching.Entry, 0, len(vals))
	for i, v := range vals {
		// Claimed or cancelled between ZRANGE and HMGET.
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e matching.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		// The score is the position; Restore relies on getting it back.
		e.EnqueuedAt = time.UnixMicro(int64(members[i].Score)).UTC()
		out = append(out, e)
	}
	return out, nil
}

// Claim removes entry from p if it is still there.
func (q *Queue) Claim(ctx context.Context, p matching.Partition, entry matching.Entry) (bool, error) {
	n, err := claimScript.Run(ctx, q.client, q.keys(p), entry.ID, entry.Request.ConnectionID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s in %s: %w", entry.ID, p, err)
	}
	return n == 1, nil
}

// Cancel removes connectionID's entry from p, if any.
func (q *Queue) Cancel(ctx context.Context, p matching.Partition, connectionID string) error {
	if err := cancelScript.Run(ctx, q.client, q.keys(p), connectionID).Err(); err != nil {
		return fmt.Errorf("failed to cancel %s in %s: %w", connectionID, p, err)
	}
	return nil
}

// Restore reinserts a claimed entry with its original id and score.
func (q *Queue) Restore(ctx context.Context, p matching.Partition, entry matching.Entry) (bool, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	args := []any{entry.Request.ConnectionID, entry.ID, payload, entry.EnqueuedAt.UnixMicro(), q.ttl.Milliseconds()}
	n, err := restoreScript.Run(ctx, q.client, q.keys(p), args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to restore %s in %s: %w", entry.ID, p, err)
	}
	return n == 1, nil
}

var _ matching.Queue = (*Queue)(nil)
