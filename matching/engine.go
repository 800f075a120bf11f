package matching

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// LivenessFunc reports whether the connection behind a queue entry still has
// a session. Entries whose owner is gone are consumed and skipped.
type LivenessFunc func(ctx context.Context, connectionID string) (bool, error)

// Engine pairs requests against a Queue. It holds no state of its own, so any
// number of engines in any number of processes may share one queue.
type Engine struct {
	queue    Queue
	liveness LivenessFunc
	log      *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLiveness installs a check run after each successful claim.
func WithLiveness(fn LivenessFunc) EngineOption {
	return func(e *Engine) { e.liveness = fn }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine over q.
func NewEngine(q Queue, opts ...EngineOption) *Engine {
	e := &Engine{queue: q}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// TryMatch scans req's partition oldest to newest and claims the first entry
// that is not req's own and is compatible in both directions. A lost claim
// (another matcher got there first) moves on to the next candidate instead of
// failing. It returns nil when nothing suitable is waiting.
func (e *Engine) TryMatch(ctx context.Context, req MatchRequest) (*Entry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := req.Partition()
	if err != nil {
		return nil, err
	}

	entries, err := e.queue.Snapshot(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", p, err)
	}
	return e.claimFirst(ctx, p, req, entries)
}

// Rescan looks again after own was enqueued, considering only entries older
// than own. Of two requests that queued at the same moment only the newer
// one can claim the other, so they never claim each other. It returns nil
// when own is no longer queued: someone claimed it and will say so.
func (e *Engine) Rescan(ctx context.Context, own Entry) (*Entry, error) {
	p, err := own.Request.Partition()
	if err != nil {
		return nil, err
	}
	entries, err := e.queue.Snapshot(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", p, err)
	}
	i := slices.IndexFunc(entries, func(x Entry) bool { return x.ID == own.ID })
	if i < 0 {
		return nil, nil
	}
	return e.claimFirst(ctx, p, own.Request, entries[:i])
}

func (e *Engine) claimFirst(ctx context.Context, p Partition, req MatchRequest, entries []Entry) (*Entry, error) {
	for i := range entries {
		cand := entries[i]
		if cand.Request.ConnectionID == req.ConnectionID {
			continue
		}
		if !Compatible(req, cand.Request) {
			continue
		}

		ok, err := e.queue.Claim(ctx, p, cand)
		if err != nil {
			return nil, fmt.Errorf("claim %s in %s: %w", cand.ID, p, err)
		}
		if !ok {
			e.log.DebugContext(ctx, "matching.claim.lost", slog.String("partition", string(p)), slog.String("candidate", cand.Request.ConnectionID))
			continue
		}

		if e.liveness != nil {
			alive, err := e.liveness(ctx, cand.Request.ConnectionID)
			if err != nil {
				// The entry is already consumed; put it back where it was so
				// the waiter is not silently dropped by our failure.
				if _, rerr := e.Restore(ctx, cand); rerr != nil {
					e.log.WarnContext(ctx, "matching.restore.failed", slog.String("candidate", cand.Request.ConnectionID), slog.String("err", rerr.Error()))
				}
				return nil, fmt.Errorf("liveness %s: %w", cand.Request.ConnectionID, err)
			}
			if !alive {
				e.log.InfoContext(ctx, "matching.stale_entry.discarded", slog.String("partition", string(p)), slog.String("candidate", cand.Request.ConnectionID))
				continue
			}
		}

		return &cand, nil
	}

	return nil, nil
}

// Restore puts a claimed entry back with its original id and position.
func (e *Engine) Restore(ctx context.Context, entry Entry) (bool, error) {
	p, err := entry.Request.Partition()
	if err != nil {
		return false, err
	}
	return e.queue.Restore(ctx, p, entry)
}

// Enqueue validates req and adds it to its partition.
func (e *Engine) Enqueue(ctx context.Context, req MatchRequest) (Entry, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, err
	}
	return e.queue.Enqueue(ctx, req)
}

// Cancel withdraws connectionID from partition p.
func (e *Engine) Cancel(ctx context.Context, p Partition, connectionID string) error {
	return e.queue.Cancel(ctx, p, connectionID)
}

// Withdraw removes the caller's own entry if nobody has claimed it yet. A
// false result means another matcher got it first and a pairing for it is
// already under way.
func (e *Engine) Withdraw(ctx context.Context, entry Entry) (bool, error) {
	p, err := entry.Request.Partition()
	if err != nil {
		return false, err
	}
	return e.queue.Claim(ctx, p, entry)
}
