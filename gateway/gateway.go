// Package gateway bridges WebSocket clients to the lifecycle controller.
//
// Each socket gets a reader loop that decodes, validates and dispatches frames,
// and a writer goroutine that owns every write to the socket. Frames from the
// relay reach the writer through a bounded buffer; a client that cannot keep
// up is disconnected rather than allowed to stall delivery for everyone.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pairline/pairline/internal/logctx"
	"github.com/pairline/pairline/internal/metrics"
	"github.com/pairline/pairline/lifecycle"
	"github.com/pairline/pairline/matching"
	"github.com/pairline/pairline/presence"
	"github.com/pairline/pairline/protocol"
	"golang.org/x/time/rate"
)

// ErrSlowConsumer is returned by a client's Sink once its buffer overflowed.
var ErrSlowConsumer = errors.New("gateway: client send buffer full")

var errClientClosed = errors.New("gateway: client closed")

// Controller is what the gateway needs from *lifecycle.Controller.
type Controller interface {
	OnConnect(ctx context.Context, id string, att lifecycle.Attachment) error
	OnProfileSubmitted(ctx context.Context, id string, p presence.Profile) (presence.Session, error)
	OnMatchIntent(ctx context.Context, id string, params lifecycle.MatchParams) (lifecycle.MatchOutcome, error)
	OnLeave(ctx context.Context, id string) error
	OnMessage(ctx context.Context, id, peerID, text string) error
	OnTyping(ctx context.Context, id, peerID string, isTyping bool) error
	ListPresence(ctx context.Context, id string) ([]presence.PublicProfile, error)
	OnDisconnect(ctx context.Context, id string) error
}

var _ Controller = (*lifecycle.Controller)(nil)

const (
	defaultPingInterval   = 25 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 8 << 10
	defaultSendBuffer     = 64
	defaultFloodRate      = rate.Limit(20)
	defaultFloodBurst     = 40
	disconnectTimeout     = 5 * time.Second
)

// Handler upgrades requests to WebSocket connections.
type Handler struct {
	ctrl     Controller
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  *metrics.Metrics

	pingInterval   time.Duration
	writeWait      time.Duration
	maxMessageSize int64
	sendBuffer     int
	floodRate      rate.Limit
	floodBurst     int
	proxies        TrustedProxies
	newID          func() string

	mu      sync.Mutex
	clients map[*client]struct{}
	active  sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics sets the collectors to report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAllowedOrigins restricts which Origin headers may open a socket. An
// empty list or "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		if len(origins) == 0 || slices.Contains(origins, "*") {
			h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || slices.Contains(origins, o)
		}
	}
}

// WithFloodLimit bounds how many frames per second one socket may send.
func WithFloodLimit(r rate.Limit, burst int) Option {
	return func(h *Handler) { h.floodRate, h.floodBurst = r, burst }
}

// WithTrustedProxies sets whose forwarding headers name the client address.
func WithTrustedProxies(tp TrustedProxies) Option {
	return func(h *Handler) { h.proxies = tp }
}

// WithSendBuffer sets how many outbound frames may wait per socket.
func WithSendBuffer(n int) Option {
	return func(h *Handler) { h.sendBuffer = n }
}

// WithPingInterval sets the keepalive period. Reads time out after twice
// this.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// New creates a Handler dispatching to ctrl.
func New(ctrl Controller, opts ...Option) *Handler {
	h := &Handler{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval:   defaultPingInterval,
		writeWait:      defaultWriteWait,
		maxMessageSize: defaultMaxMessageSize,
		sendBuffer:     defaultSendBuffer,
		floodRate:      defaultFloodRate,
		floodBurst:     defaultFloodBurst,
		newID:          uuid.NewString,
		clients:        make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.metrics == nil {
		h.metrics = metrics.New(nil)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := h.proxies.Origin(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		h.log.InfoContext(r.Context(), "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	id := h.newID()
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnectionID: id, RemoteAddr: origin.RemoteAddr, Country: origin.Country})
	c := newClient(id, h.sendBuffer, func() {
		h.metrics.SinkOverflows.Inc()
		h.log.WarnContext(ctx, "ws.send.overflow")
	})

	h.active.Add(1)
	defer h.active.Done()
	h.track(c, true)
	defer h.track(c, false)

	if err := h.ctrl.OnConnect(ctx, id, lifecycle.Attachment{Sink: c, Origin: origin}); err != nil {
		h.log.ErrorContext(ctx, "ws.attach.fail", slog.String("err", err.Error()))
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, c)
	}()

	h.readLoop(ctx, conn, c)

	c.close()
	<-writerDone

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := h.ctrl.OnDisconnect(dctx, id); err != nil {
		h.log.WarnContext(ctx, "ws.detach.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) track(c *client, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.clients[c] = struct{}{}
	} else {
		delete(h.clients, c)
	}
}

// Shutdown closes every open socket and waits until each has been detached
// from the controller, or until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(h.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	flood := rate.NewLimiter(h.floodRate, h.floodBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !flood.Allow() {
			c.reply(ctx, h.log, protocol.Denied{Reason: "too many frames", RetryAfterMs: 1000})
			continue
		}
		h.dispatch(ctx, c, data)
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				c.close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				h.log.InfoContext(ctx, "ws.ping.fail", slog.String("err", err.Error()))
				c.close()
				return
			}
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeWait))
			return
		}
	}
}

// client is the lifecycle.Sink for one socket.
type client struct {
	id       string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	overflow func()

	// desired is remembered from profileSubmit for later match intents. Only
	// the reader loop touches it.
	desired matching.GenderFilter
}

func newClient(id string, buffer int, overflow func()) *client {
	return &client{
		id:       id,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		overflow: overflow,
	}
}

func (c *client) Send(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		if c.overflow != nil {
			c.overflow()
		}
		c.close()
		return ErrSlowConsumer
	}
}

func (c *client) reply(ctx context.Context, log *slog.Logger, o protocol.Outbound) {
	f, err := protocol.NewFrame(o)
	if err != nil {
		log.ErrorContext(ctx, "ws.encode.fail", slog.String("err", err.Error()))
		return
	}
	_ = c.Send(f)
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

var _ lifecycle.Sink = (*client)(nil)
