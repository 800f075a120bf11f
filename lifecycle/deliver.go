package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/pairline/pairline/protocol"
	"github.com/pairline/pairline/relay"
)

// Deliver applies one relayed envelope. Envelopes for ids not attached here
// are dropped; every process sees every envelope and only the owner acts.
func (c *Controller) Deliver(ctx context.Context, env relay.Envelope) error {
	frame := protocol.Frame{Type: protocol.Type(env.Event), Data: env.Payload}

	if env.IsBroadcast() {
		c.mu.RLock()
		targets := make([]*conn, 0, len(c.conns))
		for id, cn := range c.conns {
			if id != env.Source {
				targets = append(targets, cn)
			}
		}
		c.mu.RUnlock()

		for _, cn := range targets {
			cn.mu.Lock()
			if cn.state != StateTerminated {
				c.send(ctx, cn, frame)
			}
			cn.mu.Unlock()
		}
		c.metrics.RelayEnvelopes.WithLabelValues("broadcast").Inc()
		return nil
	}

	c.mu.RLock()
	cn, ok := c.conns[env.Target]
	c.mu.RUnlock()
	if !ok {
		// A matched event for someone who disconnected here must not leave
		// the matcher paired with nobody.
		if frame.Type == protocol.TypeMatched && c.tombstones.Contains(env.Target) {
			c.refuse(ctx, env)
		}
		c.metrics.RelayEnvelopes.WithLabelValues("ignored").Inc()
		return nil
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()

	switch {
	case cn.state == StateTerminated:
		if frame.Type == protocol.TypeMatched {
			c.refuse(ctx, env)
		}
		c.metrics.RelayEnvelopes.WithLabelValues("ignored").Inc()
		return nil

	case frame.Type == protocol.TypeMatched:
		if cn.state != StateQueued {
			// We left the queue after being claimed.
			c.refuse(ctx, env)
			c.metrics.RelayEnvelopes.WithLabelValues("refused").Inc()
			return nil
		}
		// The claimer may have taken an older entry of ours; whatever is
		// queued now must not be paired a second time.
		if cn.entry != nil {
			if p, err := cn.entry.Request.Partition(); err == nil {
				if err := c.engine.Cancel(ctx, p, cn.id); err != nil {
					c.log.WarnContext(ctx, "queue.cancel.fail", slog.String("conn_id", cn.id), slog.String("err", err.Error()))
				}
			}
		}
		cn.state = StatePaired
		cn.peer, cn.partnerGone = env.Source, false
		cn.entry, cn.claimedAt = nil, time.Time{}
		c.log.InfoContext(ctx, "match.paired.remote", slog.String("conn_id", cn.id), slog.String("peer_id", env.Source))

	case frame.Type == protocol.TypePartnerLeft:
		if cn.state != StatePaired || cn.peer != env.Source {
			c.metrics.RelayEnvelopes.WithLabelValues("stale").Inc()
			return nil
		}
		// The peer stays Paired until it leaves or matches again.
		cn.partnerGone = true

	case frame.Type == protocol.TypeMessage, frame.Type == protocol.TypeTyping:
		if cn.state != StatePaired || cn.peer != env.Source {
			c.metrics.RelayEnvelopes.WithLabelValues("stale").Inc()
			return nil
		}
	}

	c.send(ctx, cn, frame)
	c.metrics.RelayEnvelopes.WithLabelValues("delivered").Inc()
	return nil
}

// refuse answers a matched event the target can no longer honour.
func (c *Controller) refuse(ctx context.Context, env relay.Envelope) {
	if env.Source == "" {
		return
	}
	if err := c.publish(ctx, env.Source, env.Target, protocol.PartnerLeft{ID: env.Target}); err != nil {
		c.log.WarnContext(ctx, "match.refuse.fail", slog.String("conn_id", env.Target), slog.String("peer_id", env.Source), slog.String("err", err.Error()))
	}
}

func (c *Controller) send(ctx context.Context, cn *conn, f protocol.Frame) {
	if err := cn.sink.Send(f); err != nil {
		c.log.DebugContext(ctx, "sink.send.fail", slog.String("conn_id", cn.id), slog.String("type", string(f.Type)), slog.String("err", err.Error()))
	}
}

// Run feeds relay envelopes into Deliver until ctx ends or the relay fails.
func (c *Controller) Run(ctx context.Context) error {
	return c.relay.Subscribe(ctx, func(ctx context.Context, env relay.Envelope) error {
		if err := c.Deliver(ctx, env); err != nil {
			c.log.WarnContext(ctx, "relay.deliver.fail", slog.String("event", env.Event), slog.String("err", err.Error()))
		}
		return nil
	})
}
