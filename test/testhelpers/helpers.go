// Package testhelpers provides common utilities for the gochat end-to-end
// tests: a fully wired server on an in-memory database, websocket peers that
// speak the event protocol, and HTTP assertions.
package testhelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rtc/internal/config"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/server"
	"github.com/Tyrowin/gochat-rtc/internal/store"
)

// TestOrigin is the Origin header sent by Dial and allowed by StartServer.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every Expect call.
const ReadTimeout = 2 * time.Second

var dbSeq atomic.Int64

// TestServer is a running gochat instance behind httptest.
type TestServer struct {
	*httptest.Server
	App   *server.Server
	Store *store.Store
}

// QuietLogger discards everything below error.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestConfig returns defaults suited to tests: the test origin allowed, ring
// timeout disabled and a generous rate limit.
func TestConfig() config.Config {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{TestOrigin}
	cfg.Signaling.RingTimeout = 0
	cfg.Limits.RateLimit.Burst = 1000
	return cfg
}

// OpenStore opens a private in-memory sqlite store closed at test cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	name := regexp.MustCompile(`\W`).ReplaceAllString(t.Name(), "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	st, err := store.Open(context.Background(), store.Config{
		Driver:      store.DriverSQLite,
		DSN:         dsn,
		SearchLimit: 20,
	}, QuietLogger())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// StartServer wires a server on a fresh store and serves it with httptest.
// mutate adjusts TestConfig before the server is built.
func StartServer(t *testing.T, mutate ...func(*config.Config)) *TestServer {
	t.Helper()
	cfg := TestConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	st := OpenStore(t)
	app, err := server.New(cfg, st, QuietLogger())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(app.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
		ts.Close()
	})
	return &TestServer{Server: ts, App: app, Store: st}
}

// WebSocketURL converts the server URL to a ws:// URL for /ws with query.
func (ts *TestServer) WebSocketURL(query url.Values) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Peer is a connected websocket client.
type Peer struct {
	*websocket.Conn
	Identity     string
	ConnectionID string
}

// Dial connects as identity with the test Origin and consumes the connected
// frame.
func Dial(t *testing.T, ts *TestServer, identity, displayName string) *Peer {
	t.Helper()
	query := url.Values{"userId": {identity}}
	if displayName != "" {
		query.Set("name", displayName)
	}
	conn, resp, err := DialURL(ts.WebSocketURL(query), TestOrigin)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", identity, err)
	}
	p := &Peer{Conn: conn, Identity: identity}
	t.Cleanup(func() { _ = conn.Close() })

	var connected protocol.Connected
	p.ExpectData(t, protocol.EventConnected, &connected)
	if connected.Identity != identity {
		t.Fatalf("Expected connected identity %s, got %s", identity, connected.Identity)
	}
	p.ConnectionID = connected.ConnectionID
	return p
}

// DialURL opens a websocket with the given Origin header; an empty origin
// sends none.
func DialURL(rawURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	return dialer.Dial(rawURL, headers)
}

// Send writes one event frame.
func (p *Peer) Send(t *testing.T, event string, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", event, err)
	}
	if err := p.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to send %s from %s: %v", event, p.Identity, err)
	}
}

// Next reads the next frame.
func (p *Peer) Next(t *testing.T) protocol.Envelope {
	t.Helper()
	if err := p.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := p.ReadMessage()
	if err != nil {
		t.Fatalf("%s: failed to read frame: %v", p.Identity, err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("%s: invalid frame %s: %v", p.Identity, raw, err)
	}
	return env
}

// Expect reads the next frame and fails unless it is event.
func (p *Peer) Expect(t *testing.T, event string) protocol.Envelope {
	t.Helper()
	env := p.Next(t)
	if env.Event != event {
		t.Fatalf("%s: expected event %s, got %s (%s)", p.Identity, event, env.Event, env.Data)
	}
	return env
}

// ExpectData is Expect followed by decoding the payload into v.
func (p *Peer) ExpectData(t *testing.T, event string, v any) {
	t.Helper()
	env := p.Expect(t, event)
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("%s: failed to decode %s payload %s: %v", p.Identity, event, env.Data, err)
	}
}

// ExpectSilence fails if any frame arrives within wait. A websocket read that
// times out leaves the connection unusable, so call it last.
func (p *Peer) ExpectSilence(t *testing.T, wait time.Duration) {
	t.Helper()
	if err := p.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := p.ReadMessage()
	if err == nil {
		t.Fatalf("%s: expected no frame, got %s", p.Identity, raw)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}
