// Package redis implements presence.Registry on Redis. Each session is one
// hash with a sliding TTL; listing walks the keyspace with SCAN.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pairline/pairline/presence"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis registry.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "pairline:".
	KeyPrefix string
	// TTL overrides presence.DefaultTTL.
	TTL time.Duration
}

// Registry implements presence.Registry using Redis hashes.
type Registry struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

const (
	fieldNickname  = "nickname"
	fieldGender    = "gender"
	fieldCountry   = "country"
	fieldRegion    = "region"
	fieldScope     = "scope"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// New creates a Redis-backed registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pairline:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = presence.DefaultTTL
	}
	return &Registry{client: cfg.Client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

func (r *Registry) sessionKey(id string) string { return r.keyPrefix + "session:" + id }

// Upsert writes the profile fields and refreshes the TTL in one MULTI/EXEC.
// HSETNX keeps the first created_at across rewrites.
func (r *Registry) Upsert(ctx context.Context, id string, p presence.Profile) (presence.Session, error) {
	if id == "" {
		return presence.Session{}, presence.ErrInvalidSessionID
	}
	key := r.sessionKey(id)
	now := time.Now().UTC().Truncate(time.Millisecond)
	nowMs := now.UnixMilli()

	var created *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldCreatedAt, nowMs)
		pipe.HSet(ctx, key,
			fieldNickname, p.Nickname,
			fieldGender, string(p.Gender),
			fieldCountry, p.Country,
			fieldRegion, p.Region,
			fieldScope, p.Scope,
			fieldUpdatedAt, nowMs,
		)
		pipe.PExpire(ctx, key, r.ttl)
		created = pipe.HGet(ctx, key, fieldCreatedAt)
		return nil
	})
	if err != nil {
		return presence.Session{}, fmt.Errorf("failed to upsert session %s: %w", id, err)
	}

	createdAt := now
	if ms, err := strconv.ParseInt(created.Val(), 10, 64); err == nil {
		createdAt = time.UnixMilli(ms).UTC()
	}
	s := presence.Apply(id, p, &presence.Session{CreatedAt: createdAt}, now)
	return s, nil
}

// Get returns id's session if its key has not expired.
func (r *Registry) Get(ctx context.Context, id string) (presence.Session, bool, error) {
	if id == "" {
		return presence.Session{}, false, nil
	}
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return presence.Session{}, false, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return presence.Session{}, false, nil
	}
	return decodeSession(id, fields), true, nil
}

// ListAll returns every live session in no particular order.
func (r *Registry) ListAll(ctx context.Context) ([]presence.Session, error) {
	keys, err := r.scanKeys(ctx, r.sessionKey("*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	if len(keys) == 0 {
		return []presence.Session{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	prefixLen := len(r.sessionKey(""))
	out := make([]presence.Session, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		// Expired between SCAN and HGETALL.
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeSession(keys[i][prefixLen:], fields))
	}
	return out, nil
}

// Remove deletes id's session. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to remove session %s: %w", id, err)
	}
	return nil
}

func (r *Registry) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func decodeSession(id string, f map[string]string) presence.Session {
	return presence.Session{
		ID:        id,
		Nickname:  f[fieldNickname],
		Gender:    presence.Gender(f[fieldGender]),
		Country:   f[fieldCountry],
		Region:    f[fieldRegion],
		Scope:     f[fieldScope],
		CreatedAt: parseMillis(f[fieldCreatedAt]),
		UpdatedAt: parseMillis(f[fieldUpdatedAt]),
	}
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ presence.Registry = (*Registry)(nil)
