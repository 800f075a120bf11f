// Package memory provides an in-process implementation of matching.Queue.
// Partitions are plain slices guarded by one mutex, which makes every
// operation trivially atomic; state is not shared between processes.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pairline/pairline/matching"
)

// Queue implements matching.Queue in memory.
type Queue struct {
	mu         sync.Mutex
	partitions map[matching.Partition]*partition
	ttl        time.Duration
	now        func() time.Time
	// last is the newest EnqueuedAt handed out; stamps strictly increase.
	last time.Time
}

type partition struct {
	entries   []matching.Entry
	expiresAt time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithTTL overrides matching.DefaultPartitionTTL.
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.ttl = ttl }
}

// WithClock replaces time.Now, mainly so tests can drive partition expiry.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		partitions: make(map[matching.Partition]*partition),
		ttl:        matching.DefaultPartitionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.ttl <= 0 {
		q.ttl = matching.DefaultPartitionTTL
	}
	return q
}

// Enqueue appends req to its partition, replacing the connection's previous
// entry there.
func (q *Queue) Enqueue(ctx context.Context, req matching.MatchRequest) (matching.Entry, error) {
	if err := ctx.Err(); err != nil {
		return matching.Entry{}, err
	}
	p, err := req.Partition()
	if err != nil {
		return matching.Entry{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	part := q.livePartitionLocked(p, now)
	if part == nil {
		part = &partition{}
		q.partitions[p] = part
	}

	part.entries = removeConnection(part.entries, req.ConnectionID)
	stamp := now.UTC()
	if !stamp.After(q.last) {
		stamp = q.last.Add(time.Nanosecond)
	}
	q.last = stamp
	e := matching.Entry{ID: uuid.NewString(), Request: req, EnqueuedAt: stamp}
	part.entries = append(part.entries, e)
	part.expiresAt = now.Add(q.ttl)
	return e, nil
}

// Snapshot returns p's entries, oldest first.
func (q *Queue) Snapshot(ctx context.Context, p matching.Partition) ([]matching.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	part := q.livePartitionLocked(p, q.now())
	if part == nil {
		return []matching.Entry{}, nil
	}
	out := make([]matching.Entry, len(part.entries))
	copy(out, part.entries)
	return out, nil
}

// Claim removes entry from p if it is still there.
func (q *Queue) Claim(ctx context.Context, p matching.Partition, entry matching.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	part := q.livePartitionLocked(p, q.now())
	if part == nil {
		return false, nil
	}
	for i := range part.entries {
		if part.entries[i].ID == entry.ID {
			part.entries = append(part.entries[:i], part.entries[i+1:]...)
			q.dropIfEmptyLocked(p, part)
			return true, nil
		}
	}
	return false, nil
}

// Cancel removes connectionID's entry from p, if any.
func (q *Queue) Cancel(ctx context.Context, p matching.Partition, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	part := q.livePartitionLocked(p, q.now())
	if part == nil {
		return nil
	}
	part.entries = removeConnection(part.entries, connectionID)
	q.dropIfEmptyLocked(p, part)
	return nil
}

// Restore reinserts a claimed entry at its original position.
func (q *Queue) Restore(ctx context.Context, p matching.Partition, entry matching.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	part := q.livePartitionLocked(p, now)
	if part == nil {
		part = &partition{}
		q.partitions[p] = part
	}
	for _, e := range part.entries {
		if e.ID == entry.ID || e.Request.ConnectionID == entry.Request.ConnectionID {
			return false, nil
		}
	}

	i := 0
	for i < len(part.entries) && !part.entries[i].EnqueuedAt.After(entry.EnqueuedAt) {
		i++
	}
	part.entries = slices.Insert(part.entries, i, entry)
	part.expiresAt = now.Add(q.ttl)
	return true, nil
}

// livePartitionLocked returns p's partition, discarding it first if its TTL
// has elapsed.
func (q *Queue) livePartitionLocked(p matching.Partition, now time.Time) *partition {
	part, ok := q.partitions[p]
	if !ok {
		return nil
	}
	if now.After(part.expiresAt) {
		delete(q.partitions, p)
		return nil
	}
	return part
}

func (q *Queue) dropIfEmptyLocked(p matching.Partition, part *partition) {
	if len(part.entries) == 0 {
		delete(q.partitions, p)
	}
}

func removeConnection(entries []matching.Entry, connectionID string) []matching.Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Request.ConnectionID != connectionID {
			out = append(out, e)
		}
	}
	return out
}

var _ matching.Queue = (*Queue)(nil)
