package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pairline/pairline/internal/logctx"
	"github.com/pairline/pairline/lifecycle"
	"github.com/pairline/pairline/presence"
	"github.com/pairline/pairline/protocol"
)

func (h *Handler) dispatch(ctx context.Context, c *client, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		h.log.DebugContext(ctx, "ws.frame.malformed", slog.String("err", err.Error()))
		c.reply(ctx, h.log, protocol.Error{Message: err.Error()})
		return
	}
	op := in.FrameType()
	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{Type: string(op)})

	if err := in.Validate(); err != nil {
		c.reply(ctx, h.log, protocol.Denied{Op: op, Reason: err.Error()})
		return
	}

	var out protocol.Outbound
	switch m := in.(type) {
	case *protocol.ProfileSubmit:
		var s presence.Session
		s, err = h.ctrl.OnProfileSubmitted(ctx, c.id, m.Profile())
		if err == nil {
			if m.DesiredGender != "" {
				c.desired = m.DesiredGender
			}
			out = protocol.SessionInfo{Session: s.Public()}
		}

	case *protocol.MatchIntent:
		desired := m.DesiredGender
		if desired == "" {
			desired = c.desired
		}
		var res lifecycle.MatchOutcome
		res, err = h.ctrl.OnMatchIntent(ctx, c.id, lifecycle.MatchParams{Profile: m.Profile(), Desired: desired, Scope: m.Scope})
		if err == nil {
			if res.Kind == lifecycle.OutcomePaired && res.Peer != nil {
				out = protocol.Matched{Peer: res.Peer.Public()}
			} else {
				out = protocol.Queued{}
			}
		}

	case *protocol.Leave:
		err = h.ctrl.OnLeave(ctx, c.id)

	case *protocol.Message:
		err = h.ctrl.OnMessage(ctx, c.id, m.PeerID, m.Text)

	case *protocol.Typing:
		err = h.ctrl.OnTyping(ctx, c.id, m.PeerID, m.IsTyping)

	case *protocol.ListPresence:
		var users []presence.PublicProfile
		users, err = h.ctrl.ListPresence(ctx, c.id)
		if err == nil {
			out = protocol.PresenceList{Users: users}
		}
	}

	if err != nil {
		if errors.Is(err, lifecycle.ErrTransient) {
			h.log.WarnContext(ctx, "ws.op.transient", slog.String("err", err.Error()))
		}
		c.reply(ctx, h.log, ErrorFrame(op, err))
		return
	}
	if out != nil {
		c.reply(ctx, h.log, out)
	}
}

// ErrorFrame maps a controller error to what the client is told. Denials
// mean nothing changed and retrying as-is will not help; retryable errors
// may be retried.
func ErrorFrame(op protocol.Type, err error) protocol.Outbound {
	var rl *lifecycle.RateLimitError
	switch {
	case errors.As(err, &rl):
		return protocol.Denied{Op: op, Reason: "rate_limited", RetryAfterMs: rl.Result.RetryAfter(time.Now()).Milliseconds()}
	case errors.Is(err, lifecycle.ErrValidation):
		return protocol.Denied{Op: op, Reason: err.Error()}
	case errors.Is(err, lifecycle.ErrAlreadyPaired):
		return protocol.Denied{Op: op, Reason: "already_paired"}
	case errors.Is(err, lifecycle.ErrNotPaired):
		return protocol.Denied{Op: op, Reason: "not_paired"}
	case errors.Is(err, lifecycle.ErrInvalidState):
		return protocol.Denied{Op: op, Reason: "invalid_state"}
	case errors.Is(err, lifecycle.ErrTransient):
		return protocol.Error{Op: op, Message: "temporarily unavailable", Retryable: true}
	default:
		return protocol.Error{Op: op, Message: "internal error"}
	}
}
