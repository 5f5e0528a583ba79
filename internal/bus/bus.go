// Package bus bridges the real-time core onto NATS: presence changes are
// published for other services, and user search can be served by (or
// delegated to) a users.search responder.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

const (
	SearchSubject         = "users.search"
	DefaultPresencePrefix = "presence.event"
)

// Config holds the NATS connection settings.
type Config struct {
	URL            string
	Name           string
	User           string
	Password       string
	ConnectRetries int
	RetryWait      time.Duration
	RequestTimeout time.Duration
	PresencePrefix string
}

// Connect dials NATS, retrying while the server comes up.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; attempt <= retries; attempt++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			logger.Info("connected to nats", "url", nc.ConnectedUrl())
			return nc, nil
		}
		logger.Info("waiting for nats", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect to nats: %w", err)
}

type msgPublisher interface {
	PublishMsg(*nats.Msg) error
}

// PresenceEvent is the payload published for every presence change.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// PresencePublisher mirrors presence changes onto <prefix>.<identity>. It
// implements presence.Publisher.
type PresencePublisher struct {
	conn   msgPublisher
	prefix string
	logger *slog.Logger
}

// NewPresencePublisher creates a publisher on conn.
func NewPresencePublisher(conn msgPublisher, prefix string, logger *slog.Logger) *PresencePublisher {
	if prefix == "" {
		prefix = DefaultPresencePrefix
	}
	return &PresencePublisher{conn: conn, prefix: prefix, logger: logger}
}

// PublishPresence publishes c. Failures are logged and otherwise ignored.
func (p *PresencePublisher) PublishPresence(c presence.Change) {
	ev := PresenceEvent{UserID: string(c.Identity), Status: "offline"}
	if c.Online {
		ev.Status = "online"
	} else if !c.LastOnline.IsZero() {
		ev.LastSeen = c.LastOnline.UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to encode presence event", "identity", c.Identity, "error", err)
		return
	}
	subject := p.prefix + "." + string(c.Identity)

	ctx, span := startSpan(context.Background(), trace.SpanKindProducer, subject, "publish", len(data))
	defer span.End()
	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: injectContext(ctx)}); err != nil {
		span.RecordError(err)
		p.logger.Warn("failed to publish presence event", "subject", subject, "error", err)
	}
}

type msgRequester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// searchHit is the users.search reply element.
type searchHit struct {
	Username    string `json:"username"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

func (h searchHit) summary() protocol.UserSummary {
	name := h.DisplayName
	if name == "" {
		name = strings.TrimSpace(h.FirstName + " " + h.LastName)
	}
	if name == "" {
		name = h.Username
	}
	return protocol.UserSummary{ID: h.Username, DisplayName: name, AvatarRef: h.AvatarRef}
}

// SearchClient resolves searches through a users.search responder. It
// implements fanout.Resolver.
type SearchClient struct {
	conn    msgRequester
	timeout time.Duration
}

// NewSearchClient creates a client on conn.
func NewSearchClient(conn msgRequester, timeout time.Duration) *SearchClient {
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	return &SearchClient{conn: conn, timeout: timeout}
}

// Search sends the raw query text and drops the excluded identity from the
// reply, which is an ordered JSON array.
func (c *SearchClient) Search(ctx context.Context, exclude, query string) ([]protocol.UserSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []protocol.UserSummary{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := startSpan(ctx, trace.SpanKindClient, SearchSubject, "request", len(query))
	defer span.End()

	reply, err := c.conn.RequestMsgWithContext(ctx, &nats.Msg{
		Subject: SearchSubject,
		Data:    []byte(query),
		Header:  injectContext(ctx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("users.search request: %w", err)
	}
	span.SetAttributes(attribute.Int("messaging.message.response_size_bytes", len(reply.Data)))

	var hits []searchHit
	if err := json.Unmarshal(reply.Data, &hits); err != nil {
		return nil, fmt.Errorf("decode users.search reply: %w", err)
	}
	results := make([]protocol.UserSummary, 0, len(hits))
	for _, h := range hits {
		if h.Username == "" || h.Username == exclude {
			continue
		}
		results = append(results, h.summary())
	}
	return results, nil
}

// Resolver is what a SearchResponder answers from.
type Resolver interface {
	Search(ctx context.Context, exclude, query string) ([]protocol.UserSummary, error)
}

// SearchResponder answers users.search requests from a local resolver so
// other instances can delegate to it.
type SearchResponder struct {
	resolver Resolver
	logger   *slog.Logger
	sub      *nats.Subscription
}

// ServeSearch subscribes to users.search in a queue group.
func ServeSearch(nc *nats.Conn, resolver Resolver, logger *slog.Logger) (*SearchResponder, error) {
	r := &SearchResponder{resolver: resolver, logger: logger}
	sub, err := nc.QueueSubscribe(SearchSubject, "gochat-search", r.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SearchSubject, err)
	}
	r.sub = sub
	logger.Info("serving user search", "subject", SearchSubject)
	return r, nil
}

// Close stops answering requests.
func (r *SearchResponder) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

func (r *SearchResponder) handle(msg *nats.Msg) {
	ctx := extractContext(context.Background(), msg.Header)
	ctx, span := startSpan(ctx, trace.SpanKindServer, msg.Subject, "process", len(msg.Data))
	defer span.End()

	if err := msg.Respond(r.answer(ctx, msg.Data)); err != nil {
		r.logger.WarnContext(ctx, "failed to answer user search", "error", err)
	}
}

// answer always produces a JSON array; failures answer with an empty one.
func (r *SearchResponder) answer(ctx context.Context, data []byte) []byte {
	query := strings.TrimSpace(string(data))
	if query == "" {
		return []byte("[]")
	}
	users, err := r.resolver.Search(ctx, "", query)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		r.logger.ErrorContext(ctx, "user search failed", "error", err)
		return []byte("[]")
	}
	hits := make([]searchHit, 0, len(users))
	for _, u := range users {
		hits = append(hits, searchHit{Username: u.ID, DisplayName: u.DisplayName, AvatarRef: u.AvatarRef})
	}
	out, err := json.Marshal(hits)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to encode search reply", "error", err)
		return []byte("[]")
	}
	return out
}
