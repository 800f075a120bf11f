package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pairline/pairline/internal/metrics"
	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
	"github.com/pairline/pairline/protocol"
	"github.com/pairline/pairline/ratelimit"
	"github.com/pairline/pairline/relay"
)

// Controller owns the connections attached to one process.
type Controller struct {
	registry presence.Registry
	engine   *matching.Engine
	relay    relay.Relay
	limiter  ratelimit.Limiter
	rules    ratelimit.Rules
	instance string
	grace    time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]*conn
	// tombstones remembers ids that disconnected here. Terminated is
	// absorbing, and the registry may still list them until their TTL.
	tombstones *expirable.LRU[string, struct{}]
}

// conn is guarded by mu, held for the whole of each operation so that one
// connection's operations apply in order.
type conn struct {
	mu     sync.Mutex
	id     string
	sink   Sink
	origin Origin

	state   State
	session presence.Session
	// entry is the live queue entry while Queued. claimedAt is when a
	// withdrawal first found it claimed by someone else.
	entry     *matching.Entry
	claimedAt time.Time
	// peer is the partner while Paired; partnerGone is set once it left.
	peer        string
	partnerGone bool
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	c := &Controller{
		registry:   cfg.Registry,
		relay:      cfg.Relay,
		limiter:    cfg.Limiter,
		rules:      *cfg.Rules,
		instance:   cfg.InstanceID,
		grace:      cfg.ClaimGrace,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		conns:      make(map[string]*conn),
		tombstones: newTombstones(cfg.TombstoneTTL),
	}
	c.engine = matching.NewEngine(cfg.Queue,
		matching.WithLiveness(c.alive),
		matching.WithLogger(cfg.Logger),
	)
	return c, nil
}

func (c *Controller) alive(ctx context.Context, id string) (bool, error) {
	if c.tombstones.Contains(id) {
		return false, nil
	}
	_, ok, err := c.registry.Get(ctx, id)
	return ok, err
}

// acquire returns the connection locked.
func (c *Controller) acquire(id string) (*conn, error) {
	c.mu.RLock()
	cn, ok := c.conns[id]
	c.mu.RUnlock()
	if !ok {
		if c.tombstones.Contains(id) {
			return nil, ErrTerminated
		}
		return nil, ErrUnknownConnection
	}
	cn.mu.Lock()
	if cn.state == StateTerminated {
		cn.mu.Unlock()
		return nil, ErrTerminated
	}
	return cn, nil
}

// OnConnect attaches a new connection and completes its handshake.
func (c *Controller) OnConnect(ctx context.Context, id string, att Attachment) error {
	if id == "" {
		return validationErr(presence.ErrInvalidSessionID)
	}
	if att.Sink == nil {
		return fmt.Errorf("connection %s: sink is required", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tombstones.Contains(id) {
		return ErrTerminated
	}
	if _, ok := c.conns[id]; ok {
		return fmt.Errorf("%w: connection %s already attached", ErrInvalidState, id)
	}

	cn := &conn{id: id, sink: att.Sink, origin: att.Origin, state: StateConnecting}
	cn.state = StateOnboarding
	c.conns[id] = cn

	c.metrics.ConnectionsTotal.Inc()
	c.metrics.ConnectionsActive.Inc()
	c.log.InfoContext(ctx, "conn.open", slog.String("conn_id", id), slog.String("country", att.Origin.Country))
	return nil
}

// OnProfileSubmitted writes the connection's session. The first submission
// completes onboarding and announces the user; later ones from Idle update
// the profile.
func (c *Controller) OnProfileSubmitted(ctx context.Context, id string, p presence.Profile) (presence.Session, error) {
	cn, err := c.acquire(id)
	if err != nil {
		return presence.Session{}, err
	}
	defer cn.mu.Unlock()

	if cn.state != StateOnboarding && cn.state != StateIdle {
		return presence.Session{}, fmt.Errorf("%w: profile update while %s", ErrInvalidState, cn.state)
	}
	return c.writeProfile(ctx, cn, p)
}

func (c *Controller) writeProfile(ctx context.Context, cn *conn, p presence.Profile) (presence.Session, error) {
	p, err := protocol.NormalizeProfile(cn.origin.resolve(p))
	if err != nil {
		return presence.Session{}, validationErr(err)
	}

	s, err := c.registry.Upsert(ctx, cn.id, p)
	if err != nil {
		c.metrics.OperationErrors.WithLabelValues("profile", "transient").Inc()
		return presence.Session{}, transientErr("upsert session", err)
	}
	cn.session = s
	if cn.state == StateOnboarding {
		cn.state = StateIdle
	}

	if err := c.publish(ctx, relay.Broadcast, cn.id, protocol.Joined(s)); err != nil {
		// The registry is authoritative; peers still see the user on their
		// next presence listing.
		c.log.WarnContext(ctx, "presence.joined.publish.fail", slog.String("conn_id", cn.id), slog.String("err", err.Error()))
	}
	return s, nil
}

// resolve prefers the CDN's view of where the connection is and falls back
// to what the client declared.
func (o Origin) resolve(p presence.Profile) presence.Profile {
	country, err := protocol.NormalizeCountry(o.Country)
	if err != nil || country == "" || country == "XX" {
		return p
	}
	p.Country = country
	if r := strings.TrimSpace(o.Region); r != "" {
		p.Region = r
	}
	return p
}

// OnMatchIntent pairs the connection with a compatible waiting peer or queues
// it. While Paired it fails with ErrAlreadyPaired unless the partner already
// left, in which case the stale link is dropped and matching proceeds.
func (c *Controller) OnMatchIntent(ctx context.Context, id string, params MatchParams) (MatchOutcome, error) {
	if params.Desired == "" {
		params.Desired = matching.WantAll
	}
	if !params.Desired.Valid() {
		return MatchOutcome{}, validationErr(&protocol.ValidationError{Field: "desiredGender", Reason: fmt.Sprintf("unknown filter %q", params.Desired)})
	}
	if params.Scope != "" && params.Scope != matching.ScopeGlobal && params.Scope != matching.ScopeLocal {
		return MatchOutcome{}, validationErr(&protocol.ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", params.Scope)})
	}

	cn, err := c.acquire(id)
	if err != nil {
		return MatchOutcome{}, err
	}
	defer cn.mu.Unlock()

	var profile *presence.Profile
	if params.Profile != nil {
		p, err := protocol.NormalizeProfile(cn.origin.resolve(*params.Profile))
		if err != nil {
			return MatchOutcome{}, validationErr(err)
		}
		profile = &p
	}

	switch cn.state {
	case StateIdle, StateQueued:
	case StateOnboarding:
		if profile == nil {
			return MatchOutcome{}, fmt.Errorf("%w: match intent before onboarding", ErrInvalidState)
		}
	case StatePaired:
		if !cn.partnerGone {
			return MatchOutcome{}, ErrAlreadyPaired
		}
	default:
		return MatchOutcome{}, fmt.Errorf("%w: match intent while %s", ErrInvalidState, cn.state)
	}

	// The request is checked against the profile it will be written with, so
	// a rejected intent leaves the session and state untouched.
	req := c.requestFor(cn, params, profile)
	if err := req.Validate(); err != nil {
		return MatchOutcome{}, validationErr(err)
	}

	if err := c.admit(ctx, cn.id, c.rules.MatchIntent); err != nil {
		return MatchOutcome{}, err
	}

	// A queued connection re-matching first takes its own entry back. If
	// someone else claimed it, their matched event is already on its way.
	var withdrawn *matching.Entry
	if cn.state == StateQueued && cn.entry != nil {
		ok, err := c.engine.Withdraw(ctx, *cn.entry)
		if err != nil {
			return MatchOutcome{}, transientErr("withdraw queue entry", err)
		}
		switch {
		case ok:
			withdrawn, cn.entry = cn.entry, nil
		case !c.claimAbandoned(cn):
			return MatchOutcome{Kind: OutcomeQueued}, nil
		default:
			// The claimer never followed up. Drop whatever is left of the
			// entry and match afresh; a late matched is still honoured
			// while Queued.
			if p, err := cn.entry.Request.Partition(); err == nil {
				if err := c.engine.Cancel(ctx, p, cn.id); err != nil {
					return MatchOutcome{}, transientErr("cancel queue entry", err)
				}
			}
			c.log.WarnContext(ctx, "match.claim.abandoned", slog.String("conn_id", cn.id), slog.String("entry_id", cn.entry.ID))
			cn.entry, cn.claimedAt = nil, time.Time{}
		}
	}
	putBack := func() {
		if withdrawn == nil {
			if cn.state == StateQueued && cn.entry == nil {
				cn.state = StateIdle
			}
			return
		}
		if _, err := c.engine.Restore(ctx, *withdrawn); err != nil {
			c.log.WarnContext(ctx, "queue.restore.fail", slog.String("conn_id", cn.id), slog.String("err", err.Error()))
			cn.state = StateIdle
			return
		}
		cn.entry = withdrawn
	}

	if profile != nil {
		if _, err := c.writeProfile(ctx, cn, *params.Profile); err != nil {
			putBack()
			return MatchOutcome{}, err
		}
	}

	out, err := c.pair(ctx, cn, req)
	if err != nil {
		c.metrics.OperationErrors.WithLabelValues("match", "transient").Inc()
		putBack()
		return MatchOutcome{}, err
	}
	return out, nil
}

// claimAbandoned records the first time cn's entry was found claimed and
// reports whether the grace for the claimer's matched event has run out.
func (c *Controller) claimAbandoned(cn *conn) bool {
	now := c.now()
	if cn.claimedAt.IsZero() {
		cn.claimedAt = now
		return false
	}
	return now.Sub(cn.claimedAt) >= c.grace
}

// requestFor builds the match request from the profile about to be written,
// or from the current session when there is none.
func (c *Controller) requestFor(cn *conn, params MatchParams, profile *presence.Profile) matching.MatchRequest {
	req := matching.MatchRequest{
		ConnectionID: cn.id,
		Gender:       cn.session.Gender,
		Country:      cn.session.Country,
		Region:       cn.session.Region,
		Scope:        params.Scope,
		Desired:      params.Desired,
	}
	prefer := cn.session.Scope
	if profile != nil {
		req.Gender, req.Country, req.Region = profile.Gender, profile.Country, profile.Region
		prefer = profile.Scope
	}
	if req.Scope == "" {
		req.Scope = matching.Scope(prefer)
	}
	if req.Scope == "" {
		req.Scope = matching.ScopeGlobal
	}
	return req
}

func (c *Controller) pair(ctx context.Context, cn *conn, req matching.MatchRequest) (MatchOutcome, error) {
	cand, err := c.engine.TryMatch(ctx, req)
	if err != nil {
		return MatchOutcome{}, transientErr("match", err)
	}
	if cand != nil {
		return c.link(ctx, cn, req, *cand)
	}

	own, err := c.engine.Enqueue(ctx, req)
	if err != nil {
		return MatchOutcome{}, transientErr("enqueue", err)
	}

	// A compatible peer may have enqueued while we scanned. Look once more,
	// at older entries only; pairing with one needs our own entry back first.
	if late, err := c.engine.Rescan(ctx, own); err != nil {
		c.log.DebugContext(ctx, "match.rescan.fail", slog.String("conn_id", cn.id), slog.String("err", err.Error()))
	} else if late != nil {
		ok, err := c.engine.Withdraw(ctx, own)
		if err == nil && ok {
			return c.link(ctx, cn, req, *late)
		}
		c.restore(ctx, *late)
	}

	cn.entry, cn.claimedAt = &own, time.Time{}
	cn.state = StateQueued
	cn.peer, cn.partnerGone = "", false
	c.metrics.Queued.WithLabelValues(string(req.Scope)).Inc()
	c.log.InfoContext(ctx, "match.queued", slog.String("conn_id", cn.id), slog.String("partition", partitionOf(req)))
	return MatchOutcome{Kind: OutcomeQueued}, nil
}

// link completes a pairing with a claimed candidate. On failure the candidate
// goes back into the queue where it was.
func (c *Controller) link(ctx context.Context, cn *conn, req matching.MatchRequest, cand matching.Entry) (MatchOutcome, error) {
	peerID := cand.Request.ConnectionID
	peer, ok, err := c.registry.Get(ctx, peerID)
	if err != nil {
		c.restore(ctx, cand)
		return MatchOutcome{}, transientErr("load peer session", err)
	}
	if !ok {
		// Gone since the liveness check; its entry is consumed, so retrying
		// moves on to the next candidate.
		return c.pair(ctx, cn, req)
	}

	if err := c.publish(ctx, peerID, cn.id, protocol.Matched{Peer: cn.session.Public()}); err != nil {
		c.restore(ctx, cand)
		return MatchOutcome{}, transientErr("notify peer", err)
	}

	cn.state = StatePaired
	cn.peer, cn.partnerGone = peerID, false
	cn.entry, cn.claimedAt = nil, time.Time{}
	c.metrics.Matches.WithLabelValues(string(req.Scope)).Inc()
	c.log.InfoContext(ctx, "match.paired", slog.String("conn_id", cn.id), slog.String("peer_id", peerID), slog.String("partition", partitionOf(req)))
	return MatchOutcome{Kind: OutcomePaired, Peer: &peer}, nil
}

// restore hands a claimed entry back under its own id, so its owner can
// still withdraw it.
func (c *Controller) restore(ctx context.Context, e matching.Entry) {
	ok, err := c.engine.Restore(ctx, e)
	if err != nil {
		c.log.WarnContext(ctx, "queue.restore.fail", slog.String("conn_id", e.Request.ConnectionID), slog.String("err", err.Error()))
		return
	}
	if !ok {
		c.log.DebugContext(ctx, "queue.restore.skip", slog.String("conn_id", e.Request.ConnectionID), slog.String("entry_id", e.ID))
	}
}

func partitionOf(req matching.MatchRequest) string {
	p, _ := req.Partition()
	return string(p)
}

// OnLeave ends the current conversation, telling the peer, or withdraws from
// the queue. Leaving while Idle is a no-op.
func (c *Controller) OnLeave(ctx context.Context, id string) error {
	cn, err := c.acquire(id)
	if err != nil {
		return err
	}
	defer cn.mu.Unlock()

	switch cn.state {
	case StatePaired:
		if !cn.partnerGone {
			if err := c.publish(ctx, cn.peer, cn.id, protocol.PartnerLeft{ID: cn.id}); err != nil {
				return transientErr("notify peer", err)
			}
		}
		c.log.InfoContext(ctx, "conversation.left", slog.String("conn_id", cn.id), slog.String("peer_id", cn.peer))
		cn.peer, cn.partnerGone = "", false
		cn.state = StateIdle
	case StateQueued:
		if cn.entry != nil {
			p, err := cn.entry.Request.Partition()
			if err == nil {
				if err := c.engine.Cancel(ctx, p, cn.id); err != nil {
					return transientErr("cancel queue entry", err)
				}
			}
		}
		cn.entry, cn.claimedAt = nil, time.Time{}
		cn.state = StateIdle
	case StateIdle:
	default:
		return fmt.Errorf("%w: leave while %s", ErrInvalidState, cn.state)
	}
	return nil
}

// OnMessage relays a chat line to the current peer. Nothing is stored.
func (c *Controller) OnMessage(ctx context.Context, id, peerID, text string) error {
	text, err := protocol.NormalizeText(text)
	if err != nil {
		return validationErr(err)
	}

	cn, err := c.acquire(id)
	if err != nil {
		return err
	}
	defer cn.mu.Unlock()

	if cn.state != StatePaired || cn.peer != peerID {
		return ErrNotPaired
	}
	if err := c.admit(ctx, cn.id, c.rules.SendMessage); err != nil {
		return err
	}

	msg := protocol.ChatMessage{SenderID: cn.id, Text: text, Timestamp: c.now().UnixMilli()}
	if err := c.publish(ctx, peerID, cn.id, msg); err != nil {
		c.metrics.OperationErrors.WithLabelValues("message", "transient").Inc()
		return transientErr("relay message", err)
	}
	c.metrics.MessagesRelayed.Inc()
	return nil
}

// OnTyping relays a typing indicator to the current peer.
func (c *Controller) OnTyping(ctx context.Context, id, peerID string, isTyping bool) error {
	cn, err := c.acquire(id)
	if err != nil {
		return err
	}
	defer cn.mu.Unlock()

	if cn.state != StatePaired || cn.peer != peerID {
		return ErrNotPaired
	}
	if err := c.publish(ctx, peerID, cn.id, protocol.TypingState{SenderID: cn.id, IsTyping: isTyping}); err != nil {
		return transientErr("relay typing", err)
	}
	return nil
}

// ListPresence returns everyone in the registry except the caller and ids
// this process knows have disconnected, oldest session first.
func (c *Controller) ListPresence(ctx context.Context, id string) ([]presence.PublicProfile, error) {
	cn, err := c.acquire(id)
	if err != nil {
		return nil, err
	}
	cn.mu.Unlock()

	sessions, err := c.registry.ListAll(ctx)
	if err != nil {
		return nil, transientErr("list sessions", err)
	}
	slices.SortFunc(sessions, func(a, b presence.Session) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})

	out := make([]presence.PublicProfile, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == id || c.tombstones.Contains(s.ID) {
			continue
		}
		out = append(out, s.Public())
	}
	return out, nil
}

// OnDisconnect terminates the connection from any state. Cleanup is best
// effort: the connection is terminated even when the store is unreachable,
// and registry and queue TTLs remove whatever could not be removed now.
func (c *Controller) OnDisconnect(ctx context.Context, id string) error {
	c.mu.Lock()
	cn, ok := c.conns[id]
	if !ok {
		c.mu.Unlock()
		if c.tombstones.Contains(id) {
			return nil
		}
		return ErrUnknownConnection
	}
	delete(c.conns, id)
	c.tombstones.Add(id, struct{}{})
	c.mu.Unlock()

	cn.mu.Lock()
	defer cn.mu.Unlock()
	prev := cn.state
	cn.state = StateTerminated
	c.metrics.ConnectionsActive.Dec()

	var errs []error
	if prev == StateQueued && cn.entry != nil {
		if p, err := cn.entry.Request.Partition(); err == nil {
			if err := c.engine.Cancel(ctx, p, cn.id); err != nil {
				errs = append(errs, fmt.Errorf("cancel queue entry: %w", err))
			}
		}
	}
	if prev >= StateIdle {
		if err := c.registry.Remove(ctx, cn.id); err != nil {
			errs = append(errs, fmt.Errorf("remove session: %w", err))
		}
		if err := c.publish(ctx, relay.Broadcast, cn.id, protocol.PresenceLeft{ID: cn.id}); err != nil {
			errs = append(errs, fmt.Errorf("announce departure: %w", err))
		}
	}
	if prev == StatePaired && !cn.partnerGone {
		if err := c.publish(ctx, cn.peer, cn.id, protocol.PartnerLeft{ID: cn.id}); err != nil {
			errs = append(errs, fmt.Errorf("notify peer: %w", err))
		}
	}

	c.log.InfoContext(ctx, "conn.close", slog.String("conn_id", id), slog.String("from", prev.String()))
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.log.WarnContext(ctx, "conn.cleanup.fail", slog.String("conn_id", id), slog.String("err", err.Error()))
		return transientErr("disconnect cleanup", err)
	}
	return nil
}

func (c *Controller) admit(ctx context.Context, identity string, rule ratelimit.Rule) error {
	res, err := c.limiter.Allow(ctx, identity, rule)
	if err != nil {
		return transientErr("rate limit", err)
	}
	if !res.Allowed {
		c.metrics.RateLimitDenials.WithLabelValues(rule.Name).Inc()
		return &RateLimitError{Rule: rule, Result: res}
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, target, source string, o protocol.Outbound) error {
	payload, err := protocol.Payload(o)
	if err != nil {
		return err
	}
	return c.relay.Publish(ctx, relay.Envelope{
		Target:  target,
		Source:  source,
		Event:   string(o.FrameType()),
		Payload: payload,
		Origin:  c.instance,
		SentAt:  c.now().UTC(),
	})
}

// ConnState is a read-only view of one connection.
type ConnState struct {
	State       State
	Peer        string
	PartnerGone bool
}

// Inspect reports the state of an attached or recently terminated connection.
func (c *Controller) Inspect(id string) (ConnState, bool) {
	c.mu.RLock()
	cn, ok := c.conns[id]
	c.mu.RUnlock()
	if !ok {
		if c.tombstones.Contains(id) {
			return ConnState{State: StateTerminated}, true
		}
		return ConnState{}, false
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return ConnState{State: cn.state, Peer: cn.peer, PartnerGone: cn.partnerGone}, true
}

// Connections reports how many connections are attached.
func (c *Controller) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}
