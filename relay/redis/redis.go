// Package redis implements relay.Relay on a single Redis Stream. Every
// process XREADs the same stream without a consumer group, so each one sees
// every envelope in stream order.
//
// A failed read does not end a subscription. It is logged and retried with
// a capped backoff from the last id seen, so a Redis restart or failover
// only delays delivery.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pairline/pairline/relay"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxLen bounds the stream. Trimming is approximate (MAXLEN ~).
const DefaultMaxLen = 10000

// Read retry delays double from DefaultRetryMin up to DefaultRetryMax.
const (
	DefaultRetryMin = 100 * time.Millisecond
	DefaultRetryMax = 5 * time.Second
)

// Config contains configuration options for the Redis relay.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "pairline:".
	KeyPrefix string
	// MaxLen caps the stream length. Defaults to DefaultMaxLen.
	MaxLen int64
	// Block is how long a single XREAD waits before re-checking ctx.
	// Defaults to one second.
	Block time.Duration
	// RetryMin and RetryMax bound the delay between failed reads.
	RetryMin time.Duration
	RetryMax time.Duration
	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Relay implements relay.Relay on Redis Streams.
type Relay struct {
	client    redis.UniversalClient
	streamKey string
	maxLen    int64
	block     time.Duration
	retryMin  time.Duration
	retryMax  time.Duration
	log       *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Redis-backed relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pairline:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = DefaultRetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(DefaultRetryMax, cfg.RetryMin)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		client:    cfg.Client,
		streamKey: cfg.KeyPrefix + "relay:stream",
		maxLen:    cfg.MaxLen,
		block:     cfg.Block,
		retryMin:  cfg.RetryMin,
		retryMax:  cfg.RetryMax,
		log:       cfg.Logger,
		closed:    make(chan struct{}),
	}, nil
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Close rejects further publishes and ends active subscriptions with
// relay.ErrClosed. The Redis client is left open for its other users.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// Publish appends env to the stream.
func (r *Relay) Publish(ctx context.Context, env relay.Envelope) error {
	if r.isClosed() {
		return relay.ErrClosed
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	env.ID = ""
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"e": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", r.streamKey, err)
	}
	return nil
}

// Subscribe reads the stream from its current tail onwards. The tail is
// resolved once up front and every read continues from the last id seen, so
// nothing published between two blocking reads is skipped. Read failures are
// retried; only ctx, Close or h end the subscription.
func (r *Relay) Subscribe(ctx context.Context, h relay.Handler) error {
	if r.isClosed() {
		return relay.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	var start string
	delay := r.retryMin
	for {
		if err := r.done(ctx); err != nil {
			return err
		}

		if start == "" {
			tail, err := r.tail(ctx)
			if err != nil {
				if err := r.backoff(ctx, &delay, err); err != nil {
					return err
				}
				continue
			}
			start = tail
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.streamKey, start},
			Count:   100,
			Block:   r.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				delay = r.retryMin
				continue
			}
			if err := r.backoff(ctx, &delay, fmt.Errorf("failed to read from stream %s: %w", r.streamKey, err)); err != nil {
				return err
			}
			continue
		}
		delay = r.retryMin

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				start = msg.ID

				env, ok := decode(msg)
				if !ok {
					// Skip malformed entries rather than wedging every process.
					continue
				}
				if err := h(ctx, env); err != nil {
					return err
				}
			}
		}
	}
}

// done reports why the subscription must end, if it must.
func (r *Relay) done(ctx context.Context) error {
	if r.isClosed() {
		return relay.ErrClosed
	}
	return ctx.Err()
}

// backoff logs cause, sleeps for *delay and doubles it up to retryMax.
func (r *Relay) backoff(ctx context.Context, delay *time.Duration, cause error) error {
	if err := r.done(ctx); err != nil {
		return err
	}
	r.log.WarnContext(ctx, "relay.read.retry", slog.String("stream", r.streamKey), slog.Duration("delay", *delay), slog.String("err", cause.Error()))

	timer := time.NewTimer(*delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return r.done(ctx)
	}
	*delay = min(*delay*2, r.retryMax)
	return nil
}

func (r *Relay) tail(ctx context.Context) (string, error) {
	last, err := r.client.XRevRangeN(ctx, r.streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to resolve tail of %s: %w", r.streamKey, err)
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

func decode(msg redis.XMessage) (relay.Envelope, bool) {
	var raw []byte
	switch v := msg.Values["e"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return relay.Envelope{}, false
	}
	var env relay.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return relay.Envelope{}, false
	}
	env.ID = msg.ID
	return env, true
}

var _ relay.Relay = (*Relay)(nil)
