package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pairline/pairline/lifecycle"
	matchmem "github.com/pairline/pairline/matching/memory"
	presmem "github.com/pairline/pairline/presence/memory"
	"github.com/pairline/pairline/protocol"
	"github.com/pairline/pairline/ratelimit"
	limitmem "github.com/pairline/pairline/ratelimit/memory"
	relaymem "github.com/pairline/pairline/relay/memory"
	"golang.org/x/time/rate"
)

func newServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	rl := relaymem.New()
	ctrl, err := lifecycle.New(lifecycle.Config{
		Registry: presmem.New(),
		Queue:    matchmem.New(),
		Relay:    rl,
		Limiter:  limitmem.New(),
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	deadline := time.Now().Add(3 * time.Second)
	for rl.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	srv := httptest.NewServer(New(ctrl, opts...))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// await reads frames until one of type typ arrives, skipping the rest.
func await(t *testing.T, conn *websocket.Conn, typ protocol.Type) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func decode[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", f.Type, err)
	}
	return v
}

func TestPairAndChatOverWebSocket(t *testing.T) {
	srv := newServer(t)
	c1 := dial(t, srv, nil)
	c2 := dial(t, srv, nil)

	send(t, c1, `{"type":"profileSubmit","data":{"nickname":"sam","gender":"male","country":"US","desiredGender":"female"}}`)
	s1 := decode[protocol.SessionInfo](t, await(t, c1, protocol.TypeSession))
	send(t, c2, `{"type":"profileSubmit","data":{"nickname":"ann","gender":"female","country":"US","desiredGender":"male"}}`)
	s2 := decode[protocol.SessionInfo](t, await(t, c2, protocol.TypeSession))

	send(t, c1, `{"type":"matchIntent","data":{}}`)
	await(t, c1, protocol.TypeQueued)

	send(t, c2, `{"type":"matchIntent","data":{}}`)
	m2 := decode[protocol.Matched](t, await(t, c2, protocol.TypeMatched))
	if m2.Peer.ID != s1.Session.ID || m2.Peer.Nickname != "sam" {
		t.Fatalf("c2 matched with %+v", m2.Peer)
	}
	m1 := decode[protocol.Matched](t, await(t, c1, protocol.TypeMatched))
	if m1.Peer.ID != s2.Session.ID {
		t.Fatalf("c1 matched with %+v", m1.Peer)
	}

	send(t, c1, fmt.Sprintf(`{"type":"message","data":{"peerId":%q,"text":"hi ann"}}`, s2.Session.ID))
	msg := decode[protocol.ChatMessage](t, await(t, c2, protocol.TypeMessage))
	if msg.SenderID != s1.Session.ID || msg.Text != "hi ann" {
		t.Fatalf("unexpected message %+v", msg)
	}

	send(t, c2, fmt.Sprintf(`{"type":"typing","data":{"peerId":%q,"isTyping":true}}`, s1.Session.ID))
	typing := decode[protocol.TypingState](t, await(t, c1, protocol.TypeTyping))
	if !typing.IsTyping || typing.SenderID != s2.Session.ID {
		t.Fatalf("unexpected typing %+v", typing)
	}

	send(t, c1, `{"type":"matchIntent","data":{}}`)
	denied := decode[protocol.Denied](t, await(t, c1, protocol.TypeDenied))
	if denied.Reason != "already_paired" || denied.Op != protocol.TypeMatchIntent {
		t.Fatalf("unexpected denial %+v", denied)
	}

	send(t, c1, `{"type":"leave"}`)
	left := decode[protocol.PartnerLeft](t, await(t, c2, protocol.TypePartnerLeft))
	if left.ID != s1.Session.ID {
		t.Fatalf("unexpected partnerLeft %+v", left)
	}
}

func TestRejectedFramesGetReplies(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv, nil)

	send(t, c, `{"type":"shout","data":{}}`)
	e := decode[protocol.Error](t, await(t, c, protocol.TypeError))
	if e.Retryable || !strings.Contains(e.Message, "unknown frame type") {
		t.Fatalf("unexpected error frame %+v", e)
	}

	send(t, c, `{"type":"profileSubmit","data":{"nickname":"","gender":"male"}}`)
	d := decode[protocol.Denied](t, await(t, c, protocol.TypeDenied))
	if d.Op != protocol.TypeProfileSubmit || !strings.Contains(d.Reason, "nickname") {
		t.Fatalf("unexpected denial %+v", d)
	}

	send(t, c, `{"type":"matchIntent","data":{}}`)
	d = decode[protocol.Denied](t, await(t, c, protocol.TypeDenied))
	if d.Reason != "invalid_state" {
		t.Fatalf("expected invalid_state before onboarding, got %+v", d)
	}
}

func TestPresenceListAndDeparture(t *testing.T) {
	srv := newServer(t)
	c1 := dial(t, srv, nil)
	c2 := dial(t, srv, nil)

	send(t, c1, `{"type":"profileSubmit","data":{"nickname":"sam","gender":"male"}}`)
	s1 := decode[protocol.SessionInfo](t, await(t, c1, protocol.TypeSession))
	send(t, c2, `{"type":"profileSubmit","data":{"nickname":"ann","gender":"female"}}`)
	await(t, c2, protocol.TypeSession)

	send(t, c2, `{"type":"listPresence"}`)
	list := decode[protocol.PresenceList](t, await(t, c2, protocol.TypePresenceList))
	if len(list.Users) != 1 || list.Users[0].ID != s1.Session.ID {
		t.Fatalf("unexpected presence list %+v", list.Users)
	}

	_ = c1.Close()
	left := decode[protocol.PresenceLeft](t, await(t, c2, protocol.TypePresenceLeft))
	if left.ID != s1.Session.ID {
		t.Fatalf("unexpected presenceLeft %+v", left)
	}
}

func TestGeoHeadersOverrideDeclaredCountry(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv, http.Header{"Cf-Ipcountry": []string{"DE"}})

	send(t, c, `{"type":"profileSubmit","data":{"nickname":"sam","gender":"male","country":"US"}}`)
	s := decode[protocol.SessionInfo](t, await(t, c, protocol.TypeSession))
	if s.Session.Country != "DE" {
		t.Fatalf("expected DE from CDN header, got %q", s.Session.Country)
	}
}

func TestFloodGuard(t *testing.T) {
	srv := newServer(t, WithFloodLimit(rate.Limit(0.001), 2))
	c := dial(t, srv, nil)

	send(t, c, `{"type":"profileSubmit","data":{"nickname":"sam","gender":"male"}}`)
	send(t, c, `{"type":"listPresence"}`)
	send(t, c, `{"type":"listPresence"}`)
	await(t, c, protocol.TypeSession)
	await(t, c, protocol.TypePresenceList)
	d := decode[protocol.Denied](t, await(t, c, protocol.TypeDenied))
	if d.Reason != "too many frames" {
		t.Fatalf("unexpected denial %+v", d)
	}
}

func TestAllowedOrigins(t *testing.T) {
	srv := newServer(t, WithAllowedOrigins([]string{"https://pairline.example"}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://pairline.example"}})
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	_ = conn.Close()
}

func TestClientOverflowDisconnects(t *testing.T) {
	overflowed := false
	c := newClient("c", 1, func() { overflowed = true })

	if err := c.Send(protocol.Frame{Type: protocol.TypeQueued}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(protocol.Frame{Type: protocol.TypeQueued}); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	if !overflowed {
		t.Fatal("expected overflow hook to run")
	}
	select {
	case <-c.done:
	default:
		t.Fatal("expected client to be closed")
	}
	if err := c.Send(protocol.Frame{Type: protocol.TypeQueued}); !errors.Is(err, errClientClosed) {
		t.Fatalf("expected closed client to refuse, got %v", err)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "2001:db8::1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		name    string
		proxies TrustedProxies
		header  http.Header
		remote  string
		want    string
	}{
		{name: "forwarded chain", proxies: proxies, header: http.Header{"X-Forwarded-For": []string{"203.0.113.7, 10.0.0.1"}}, remote: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "rightmost untrusted hop wins", proxies: proxies, header: http.Header{"X-Forwarded-For": []string{"1.2.3.4, 203.0.113.7"}}, remote: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "real ip", proxies: proxies, header: http.Header{"X-Real-Ip": []string{"198.51.100.2"}}, remote: "10.0.0.1:1234", want: "198.51.100.2"},
		{name: "ipv6 proxy", proxies: proxies, header: http.Header{"X-Forwarded-For": []string{"203.0.113.9"}}, remote: "[2001:db8::1]:443", want: "203.0.113.9"},
		{name: "peer address", proxies: proxies, header: http.Header{}, remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "untrusted peer spoofing", proxies: proxies, header: http.Header{"X-Forwarded-For": []string{"203.0.113.7"}, "X-Real-Ip": []string{"198.51.100.2"}}, remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "nobody trusted by default", header: http.Header{"X-Forwarded-For": []string{"203.0.113.7"}}, remote: "10.0.0.2:1234", want: "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Header = tt.header
			r.RemoteAddr = tt.remote
			if got := tt.proxies.ClientIP(r); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseTrustedProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Fatal("expected an error for a bad prefix")
	}
	if _, err := ParseTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatal("expected an error for a hostname")
	}
}

func TestOriginPrefersFirstGeoHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("X-Vercel-IP-Country", "FR")
	r.Header.Set("X-Vercel-IP-Country-Region", "IDF")
	r.Header.Set("CloudFront-Viewer-Country", "BE")

	o := TrustedProxies{}.Origin(r)
	if o.Country != "FR" || o.Region != "IDF" {
		t.Fatalf("unexpected origin %+v", o)
	}
}

func TestErrorFrame(t *testing.T) {
	rl := &lifecycle.RateLimitError{
		Rule:   ratelimit.SendMessage,
		Result: ratelimit.Result{ResetAt: time.Now().Add(5 * time.Second)},
	}
	tests := []struct {
		name string
		err  error
		want protocol.Type
		why  string
	}{
		{name: "rate limited", err: rl, want: protocol.TypeDenied, why: "rate_limited"},
		{name: "already paired", err: lifecycle.ErrAlreadyPaired, want: protocol.TypeDenied, why: "already_paired"},
		{name: "not paired", err: lifecycle.ErrNotPaired, want: protocol.TypeDenied, why: "not_paired"},
		{name: "transient", err: fmt.Errorf("%w: boom", lifecycle.ErrTransient), want: protocol.TypeError},
		{name: "unexpected", err: errors.New("boom"), want: protocol.TypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ErrorFrame(protocol.TypeMessage, tt.err)
			if out.FrameType() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, out.FrameType())
			}
			if d, ok := out.(protocol.Denied); ok && d.Reason != tt.why {
				t.Fatalf("expected reason %s, got %s", tt.why, d.Reason)
			}
		})
	}

	if d := ErrorFrame(protocol.TypeMessage, rl).(protocol.Denied); d.RetryAfterMs <= 0 {
		t.Fatalf("expected a retry delay, got %d", d.RetryAfterMs)
	}
	if e := ErrorFrame(protocol.TypeMessage, fmt.Errorf("%w: x", lifecycle.ErrTransient)).(protocol.Error); !e.Retryable {
		t.Fatal("transient failures must be retryable")
	}
}

func TestShutdownDetachesClients(t *testing.T) {
	rl := relaymem.New()
	ctrl, err := lifecycle.New(lifecycle.Config{
		Registry: presmem.New(),
		Queue:    matchmem.New(),
		Relay:    rl,
		Limiter:  limitmem.New(),
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	h := New(ctrl)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv, nil)
	send(t, c, `{"type":"profileSubmit","data":{"nickname":"sam","gender":"male"}}`)
	s := decode[protocol.SessionInfo](t, await(t, c, protocol.TypeSession))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st, ok := ctrl.Inspect(s.Session.ID); !ok || st.State != lifecycle.StateTerminated {
		t.Fatalf("expected connection to be terminated, got %v", st.State)
	}

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}
