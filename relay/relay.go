// Package relay fans events out to every process of a deployment so that an
// event addressed to a connection reaches it no matter which process holds
// the socket.
//
// Every process runs one subscription and receives every envelope. The
// receiving side filters by Target and silently drops envelopes for ids it
// does not own; delivery to an id nobody owns is therefore a no-op, never an
// error.
//
// # Ordering
//
// Backends publish into a single ordered channel. Envelopes from one source
// to one target are therefore delivered in send order. No ordering is
// promised across different sources.
//
// Implementations
//
//	memory : in-process fan-out, used by tests and single-node runs
//	redis  : one Redis Stream read by every process (XADD / XREAD)
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Broadcast addresses every connected client.
const Broadcast = "*"

// ErrClosed is returned by Publish on a relay that has been closed.
var ErrClosed = errors.New("relay: closed")

// Envelope is one event in flight between processes.
type Envelope struct {
	// ID is assigned by the backend on delivery; empty when publishing.
	ID string `json:"id,omitempty"`
	// Target is a connection id or Broadcast.
	Target string `json:"target"`
	// Source is the connection the event originates from, if any. Broadcasts
	// are not echoed back to their source.
	Source string `json:"source,omitempty"`
	// Event is the outbound event name.
	Event string `json:"event"`
	// Payload is the event body, already encoded.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Origin identifies the publishing process.
	Origin string    `json:"origin,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// IsBroadcast reports whether the envelope is addressed to everyone.
func (e Envelope) IsBroadcast() bool { return e.Target == Broadcast }

// Handler consumes delivered envelopes. Returning an error ends the
// subscription with that error.
type Handler func(ctx context.Context, env Envelope) error

// Relay is the cross-process event bus.
type Relay interface {
	// Publish sends env to every subscriber in the deployment.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe delivers envelopes published after the call, in order, until
	// ctx ends (returning ctx.Err()), h fails (returning its error) or the
	// relay is closed (returning ErrClosed).
	Subscribe(ctx context.Context, h Handler) error

	// Close rejects further publishes and ends active subscriptions. It does
	// not close clients the relay was given.
	Close() error
}
