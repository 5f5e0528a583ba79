// Package fanout routes chat events to every live connection of their
// recipients and answers user searches for the requesting connection.
//
// Delivery is at-most-once: recipients without a live connection are skipped
// and nothing is queued for a later reconnect.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

// ErrNotMember is returned by a ChatStore when the sender does not belong to
// the chat.
var ErrNotMember = errors.New("not a member of this chat")

// Resolver looks up users for the search event.
type Resolver interface {
	Search(ctx context.Context, exclude, query string) ([]protocol.UserSummary, error)
}

// ChatStore creates chats and records messages.
type ChatStore interface {
	// CreateChat returns the chat between initiator and recipient, creating it
	// when none exists yet.
	CreateChat(ctx context.Context, initiator, recipient string) (protocol.ChatSummary, error)
	// AppendMessage stores a message and returns it with the chat's member ids.
	AppendMessage(ctx context.Context, chatID, sender, content string) (protocol.Message, []string, error)
}

// Connections is the subset of the registry the router delivers through.
type Connections interface {
	Deliver(registry.Identity, []byte) int
	DeliverTo(registry.ConnectionID, []byte) bool
}

// PresenceSource reports the presence used to annotate chat summaries.
type PresenceSource interface {
	Status(registry.Identity) presence.Status
}

// Metrics observes router activity.
type Metrics interface {
	ObserveFanout(event string, delivered int)
	ObserveSearch(result string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveFanout(string, int)           {}
func (nopMetrics) ObserveSearch(string, time.Duration) {}

// Origin is the connection a request arrived on.
type Origin struct {
	Identity     registry.Identity
	ConnectionID registry.ConnectionID
}

// Router fans chat events out over the registry.
type Router struct {
	conns    Connections
	resolver Resolver
	chats    ChatStore
	presence PresenceSource
	metrics  Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithPresence annotates chat summaries with the counterpart's presence.
func WithPresence(p PresenceSource) Option {
	return func(r *Router) { r.presence = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router.
func New(conns Connections, resolver Resolver, chats ChatStore, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		conns:    conns,
		resolver: resolver,
		chats:    chats,
		metrics:  nopMetrics{},
		tracer:   otel.Tracer("gochat/fanout"),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NotifyChatCreated pushes new-chat-created to the initiator's connections and
// new-chat to every other recipient's connections. It returns the number of
// connections reached.
func (r *Router) NotifyChatCreated(ctx context.Context, initiator registry.Identity, recipients []registry.Identity, summary protocol.ChatSummary) int {
	delivered := 0
	for _, id := range distinct(append([]registry.Identity{initiator}, recipients...)) {
		event := protocol.EventNewChat
		if id == initiator {
			event = protocol.EventNewChatCreated
		}
		frame, err := protocol.Encode(event, r.annotate(summary, id))
		if err != nil {
			r.logger.WarnContext(ctx, "failed to encode chat summary", "chat", summary.ID, "error", err)
			continue
		}
		n := r.conns.Deliver(id, frame)
		if n == 0 && id != initiator {
			r.logger.DebugContext(ctx, "recipient offline; chat notice dropped", "chat", summary.ID, "identity", id)
		}
		delivered += n
	}
	r.metrics.ObserveFanout(protocol.EventNewChat, delivered)
	return delivered
}

// NotifyMessage pushes new-message to every connection of the recipients,
// including every session of the sender.
func (r *Router) NotifyMessage(ctx context.Context, chatID string, sender registry.Identity, recipients []registry.Identity, msg protocol.Message) int {
	frame, err := protocol.Encode(protocol.EventNewMessage, msg)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to encode message", "chat", chatID, "error", err)
		return 0
	}
	delivered := 0
	for _, id := range distinct(append([]registry.Identity{sender}, recipients...)) {
		delivered += r.conns.Deliver(id, frame)
	}
	r.metrics.ObserveFanout(protocol.EventNewMessage, delivered)
	return delivered
}

// CreateChat handles the create-chat event. Store failures are reported to the
// requesting connection only.
func (r *Router) CreateChat(ctx context.Context, from Origin, recipientID string) {
	ctx, span := r.tracer.Start(ctx, "fanout.create_chat", trace.WithAttributes(
		attribute.String("chat.initiator", string(from.Identity)),
		attribute.String("chat.recipient", recipientID),
	))
	defer span.End()

	if recipientID == "" {
		r.replyError(from, "recipient is required")
		return
	}
	summary, err := r.chats.CreateChat(ctx, string(from.Identity), recipientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WarnContext(ctx, "create chat failed", "identity", from.Identity, "recipient", recipientID, "error", err)
		r.replyError(from, "could not create chat")
		return
	}

	recipients := memberIDs(summary)
	if len(recipients) == 0 {
		recipients = []registry.Identity{registry.Identity(recipientID)}
	}
	n := r.NotifyChatCreated(ctx, from.Identity, recipients, summary)
	span.SetAttributes(attribute.Int("fanout.delivered", n))
}

// SendMessage handles the send-message event.
func (r *Router) SendMessage(ctx context.Context, from Origin, chatID, content string) {
	ctx, span := r.tracer.Start(ctx, "fanout.send_message", trace.WithAttributes(
		attribute.String("chat.id", chatID),
	))
	defer span.End()

	if chatID == "" || content == "" {
		r.replyError(from, "chat and content are required")
		return
	}
	msg, members, err := r.chats.AppendMessage(ctx, chatID, string(from.Identity), content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WarnContext(ctx, "send message failed", "identity", from.Identity, "chat", chatID, "error", err)
		if errors.Is(err, ErrNotMember) {
			r.replyError(from, "not a member of this chat")
			return
		}
		r.replyError(from, "could not send message")
		return
	}

	recipients := make([]registry.Identity, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, registry.Identity(m))
	}
	n := r.NotifyMessage(ctx, chatID, from.Identity, recipients, msg)
	span.SetAttributes(attribute.Int("fanout.delivered", n))
}

// RouteSearchQuery answers a search on the requesting connection only. A
// resolver failure yields an empty result.
func (r *Router) RouteSearchQuery(ctx context.Context, from Origin, query string) {
	ctx, span := r.tracer.Start(ctx, "fanout.search", trace.WithAttributes(
		attribute.String("search.identity", string(from.Identity)),
		attribute.Int("search.query_length", len(query)),
	))
	defer span.End()

	start := time.Now()
	results, err := r.resolver.Search(ctx, string(from.Identity), query)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WarnContext(ctx, "search failed", "identity", from.Identity, "error", err)
		results = nil
	}
	r.metrics.ObserveSearch(result, time.Since(start))
	if results == nil {
		results = []protocol.UserSummary{}
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))

	frame, err := protocol.Encode(protocol.EventSearchResult, results)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to encode search result", "error", err)
		return
	}
	r.conns.DeliverTo(from.ConnectionID, frame)
}

func (r *Router) replyError(to Origin, message string) {
	frame := protocol.MustEncode(protocol.EventChatError, protocol.ChatError{Message: message})
	r.conns.DeliverTo(to.ConnectionID, frame)
}

// annotate fills in the presence of the viewer's counterpart. A chat with
// yourself reports your own presence.
func (r *Router) annotate(summary protocol.ChatSummary, viewer registry.Identity) protocol.ChatSummary {
	if r.presence == nil {
		return summary
	}
	counterpart := viewer
	for _, m := range summary.Members {
		if registry.Identity(m.ID) != viewer {
			counterpart = registry.Identity(m.ID)
			break
		}
	}
	st := r.presence.Status(counterpart)
	online := st.Online
	summary.Online = &online
	summary.LastOnline = nil
	if !st.Online && !st.LastOnline.IsZero() {
		last := st.LastOnline
		summary.LastOnline = &last
	}
	return summary
}

func memberIDs(summary protocol.ChatSummary) []registry.Identity {
	ids := make([]registry.Identity, 0, len(summary.Members))
	for _, m := range summary.Members {
		ids = append(ids, registry.Identity(m.ID))
	}
	return ids
}

// distinct drops repeated and empty identities, keeping first-seen order.
func distinct(ids []registry.Identity) []registry.Identity {
	seen := make(map[registry.Identity]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
