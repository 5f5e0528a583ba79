package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Tyrowin/gochat-rtc/internal/auth"
	"github.com/Tyrowin/gochat-rtc/internal/config"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu        sync.Mutex
	users     map[string]protocol.UserSummary
	upsertErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{users: make(map[string]protocol.UserSummary)}
}

func (b *fakeBackend) Search(_ context.Context, exclude, query string) ([]protocol.UserSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.UserSummary
	for id, u := range b.users {
		if id != exclude && strings.Contains(id, query) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (b *fakeBackend) CreateChat(_ context.Context, initiator, recipient string) (protocol.ChatSummary, error) {
	return protocol.ChatSummary{
		ID:      "chat-1",
		Members: []protocol.UserSummary{{ID: initiator}, {ID: recipient}},
	}, nil
}

func (b *fakeBackend) AppendMessage(_ context.Context, chatID, sender, content string) (protocol.Message, []string, error) {
	return protocol.Message{ID: "m-1", ChatID: chatID, SenderID: sender, Content: content}, []string{sender}, nil
}

func (b *fakeBackend) Profile(_ context.Context, identity string) (protocol.UserSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[identity]
	if !ok {
		return protocol.UserSummary{}, errors.New("not found")
	}
	return u, nil
}

func (b *fakeBackend) UpdateSession(context.Context, presence.SessionUpdate) error { return nil }

func (b *fakeBackend) UpsertUser(_ context.Context, u protocol.UserSummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.upsertErr != nil {
		return b.upsertErr
	}
	b.users[u.ID] = u
	return nil
}

func newTestServer(t *testing.T, backend *fakeBackend) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Signaling.RingTimeout = 0
	s, err := New(cfg, backend, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// attachFake registers a socketless client so frames can be dispatched
// and its send buffer inspected directly.
func attachFake(s *Server, identity string) *Client {
	c := NewClient(nil, s.hub, auth.Principal{Identity: identity}, "test", s.cfg.Limits, quietLogger())
	c.id = s.registry.Register(c)
	return c
}

func nextFrame(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Invalid frame %s: %v", raw, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("Expected a frame, got none")
		return protocol.Envelope{}
	}
}

func expectEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("Expected no frame, got %s", raw)
	default:
	}
}

// TestHealthHandlerUnit tests the health handler function in isolation.
func TestHealthHandlerUnit(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			rr := httptest.NewRecorder()
			HealthHandler(rr, httptest.NewRequest(method, "/", http.NoBody))

			if rr.Code != http.StatusOK {
				t.Errorf("Expected status %d, got %d", http.StatusOK, rr.Code)
			}
			if rr.Body.String() != "GoChat server is running!" {
				t.Errorf("Unexpected body %q", rr.Body.String())
			}
		})
	}
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(config.Default(), nil, quietLogger()); err == nil {
		t.Error("Expected an error for a nil backend")
	}
	cfg := config.Default()
	cfg.Auth.Mode = "jwt"
	if _, err := New(cfg, newFakeBackend(), quietLogger()); err == nil {
		t.Error("Expected an error for jwt mode without a secret")
	}
}

// TestWebSocketHandlerRejections covers every refusal before the upgrade.
func TestWebSocketHandlerRejections(t *testing.T) {
	failing := newFakeBackend()
	failing.upsertErr = errors.New("db down")

	tests := []struct {
		name     string
		backend  *fakeBackend
		method   string
		target   string
		origin   string
		want     int
		rejected float64
	}{
		{"non-GET", newFakeBackend(), http.MethodPost, "/ws?userId=alice", "http://localhost:8080", http.StatusMethodNotAllowed, 0},
		{"disallowed origin", newFakeBackend(), http.MethodGet, "/ws?userId=alice", "http://evil.example", http.StatusForbidden, 1},
		{"missing origin", newFakeBackend(), http.MethodGet, "/ws?userId=alice", "", http.StatusForbidden, 1},
		{"missing identity", newFakeBackend(), http.MethodGet, "/ws", "http://localhost:8080", http.StatusUnauthorized, 1},
		{"user upsert failure", failing, http.MethodGet, "/ws?userId=alice", "http://localhost:8080", http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.backend)
			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			s.Routes().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rr.Code)
			}
			if got := testutil.ToFloat64(s.metrics.ConnectionEvents.WithLabelValues("rejected")); got != tt.rejected {
				t.Errorf("Expected %v rejected connections, got %v", tt.rejected, got)
			}
		})
	}
}

// TestDispatchRoutesEvents drives the dispatcher with socketless clients.
func TestDispatchRoutesEvents(t *testing.T) {
	backend := newFakeBackend()
	_ = backend.UpsertUser(context.Background(), protocol.UserSummary{ID: "alice", DisplayName: "Alice"})
	_ = backend.UpsertUser(context.Background(), protocol.UserSummary{ID: "bob", DisplayName: "Bob"})
	s := newTestServer(t, backend)
	alice := attachFake(s, "alice")
	bob := attachFake(s, "bob")

	t.Run("search answers the requester", func(t *testing.T) {
		s.hub.dispatch(alice, protocol.MustEncode(protocol.EventSearch, protocol.SearchRequest{Query: "bo"}))
		env := nextFrame(t, alice)
		if env.Event != protocol.EventSearchResult {
			t.Fatalf("Expected search-result, got %s", env.Event)
		}
		var results []protocol.UserSummary
		if err := json.Unmarshal(env.Data, &results); err != nil || len(results) != 1 || results[0].ID != "bob" {
			t.Errorf("Unexpected results %s (%v)", env.Data, err)
		}
		expectEmpty(t, bob)
	})

	t.Run("create-chat fans out", func(t *testing.T) {
		s.hub.dispatch(alice, protocol.MustEncode(protocol.EventCreateChat, protocol.CreateChatRequest{RecipientID: "bob"}))
		if env := nextFrame(t, alice); env.Event != protocol.EventNewChatCreated {
			t.Errorf("Expected new-chat-created, got %s", env.Event)
		}
		if env := nextFrame(t, bob); env.Event != protocol.EventNewChat {
			t.Errorf("Expected new-chat, got %s", env.Event)
		}
	})

	t.Run("call events reach the machine", func(t *testing.T) {
		s.hub.dispatch(alice, protocol.MustEncode(protocol.EventCallUser, protocol.CallRequest{
			RecipientID: "bob", SignalData: json.RawMessage(`{"sdp":"x"}`),
		}))
		env := nextFrame(t, bob)
		if env.Event != protocol.EventIncomingCall {
			t.Fatalf("Expected incoming-call, got %s", env.Event)
		}
		var incoming protocol.IncomingCall
		if err := json.Unmarshal(env.Data, &incoming); err != nil || incoming.CallFrom.DisplayName != "Alice" {
			t.Errorf("Unexpected incoming call %s (%v)", env.Data, err)
		}

		s.hub.dispatch(bob, protocol.MustEncode(protocol.EventEndCall, protocol.CallRequest{RecipientID: "alice"}))
		if env := nextFrame(t, alice); env.Event != protocol.EventCallEnded {
			t.Errorf("Expected call-ended, got %s", env.Event)
		}
	})

	t.Run("junk is dropped silently", func(t *testing.T) {
		for _, raw := range []string{"nope", `{"event":"warp"}`, `{"event":"create-chat","data":[]}`} {
			s.hub.dispatch(alice, []byte(raw))
		}
		expectEmpty(t, alice)
		if got := testutil.ToFloat64(s.metrics.InboundFrames.WithLabelValues("unknown", frameUnknown)); got != 1 {
			t.Errorf("Expected one unknown frame, got %v", got)
		}
		if got := testutil.ToFloat64(s.metrics.InboundFrames.WithLabelValues("invalid", frameMalformed)); got != 1 {
			t.Errorf("Expected one undecodable frame, got %v", got)
		}
		if got := testutil.ToFloat64(s.metrics.InboundFrames.WithLabelValues(protocol.EventCreateChat, frameMalformed)); got != 1 {
			t.Errorf("Expected one malformed create-chat, got %v", got)
		}
	})
}

// TestHubTracksAttachedClients upgrades a real connection and checks the hub
// forgets it on shutdown.
func TestHubTracksAttachedClients(t *testing.T) {
	s := newTestServer(t, newFakeBackend())
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?userId=alice"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected connected frame: %v", err)
	}
	if env, _ := protocol.Decode(raw); env.Event != protocol.EventConnected {
		t.Fatalf("Expected connected, got %s", raw)
	}
	if got := s.hub.clientCount(); got != 1 {
		t.Errorf("Expected 1 attached client, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := s.hub.clientCount(); got != 0 {
		t.Errorf("Expected no attached clients after shutdown, got %d", got)
	}
	if got := s.registry.Count(); got != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", got)
	}
}

// TestClientSendAndClose checks the non-blocking registry.Conn contract.
func TestClientSendAndClose(t *testing.T) {
	limits := config.Default().Limits
	limits.SendBuffer = 2
	c := NewClient(nil, nil, auth.Principal{Identity: "alice", SessionID: "s1"}, "test", limits, quietLogger())

	if c.Identity() != "alice" || c.SessionID() != "s1" || c.CreatedAt().IsZero() {
		t.Errorf("Unexpected client identity fields")
	}
	if !c.Send([]byte("1")) || !c.Send([]byte("2")) {
		t.Fatal("Expected sends within the buffer to succeed")
	}
	if c.Send([]byte("3")) {
		t.Error("Expected send to a full buffer to fail")
	}

	<-c.send
	c.Close()
	c.Close()
	if c.Send([]byte("4")) {
		t.Error("Expected send after Close to fail")
	}
	select {
	case <-c.done:
	default:
		t.Error("Expected Close to signal the write pump")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiterWithClock(3, time.Second, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Expected frame %d within burst to be allowed", i)
		}
	}
	if rl.allow() {
		t.Error("Expected frame over burst to be rejected")
	}

	now = now.Add(time.Second / 3)
	if !rl.allow() {
		t.Error("Expected one token after a third of the interval")
	}
	if rl.allow() {
		t.Error("Expected bucket to be empty again")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Expected refilled bucket to allow frame %d", i)
		}
	}
	if rl.allow() {
		t.Error("Expected refill to cap at capacity")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if rl.capacity != 1 || rl.rate != 1 {
		t.Errorf("Expected capacity 1 and rate 1, got %v and %v", rl.capacity, rl.rate)
	}
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{" http://Example.com ", "bogus", "", "https://app.example:8443"}, quietLogger())

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://example.com", true},
		{"HTTP://EXAMPLE.COM", true},
		{"https://app.example:8443", true},
		{"https://app.example", false},
		{"http://evil.example", false},
		{"", false},
		{"not-a-url", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := policy.check(req); got != tt.want {
				t.Errorf("Expected %v for %q, got %v", tt.want, tt.origin, got)
			}
		})
	}

	wildcard := newOriginPolicy([]string{"*"}, quietLogger())
	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Origin", "https://anything.example")
	if !wildcard.allowedRequest(req) {
		t.Error("Expected wildcard to allow any well-formed origin")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{errors.New("write tcp: use of closed network connection"), true},
		{errors.New("websocket: close sent"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isExpectedCloseError(tt.err); got != tt.want {
			t.Errorf("isExpectedCloseError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
