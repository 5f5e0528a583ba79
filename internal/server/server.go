package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rtc/internal/auth"
	"github.com/Tyrowin/gochat-rtc/internal/config"
	"github.com/Tyrowin/gochat-rtc/internal/fanout"
	"github.com/Tyrowin/gochat-rtc/internal/observability"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
	"github.com/Tyrowin/gochat-rtc/internal/signaling"
)

// Backend is the persistence the server needs. *store.Store implements it.
type Backend interface {
	fanout.Resolver
	fanout.ChatStore
	signaling.Directory
	presence.SessionStore
	UpsertUser(ctx context.Context, u protocol.UserSummary) error
}

// Server is one gochat instance: transport plus the real-time core.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	auth     auth.Authenticator
	origins  *originPolicy
	upgrader websocket.Upgrader
	backend  Backend

	registry *registry.Registry
	tracker  *presence.Tracker
	machine  *signaling.Machine
	router   *fanout.Router
	hub      *Hub
}

type options struct {
	resolver      fanout.Resolver
	publisher     presence.Publisher
	metrics       *observability.Metrics
	authenticator auth.Authenticator
}

// Option configures New.
type Option func(*options)

// WithResolver replaces the backend as the user search resolver, e.g. with a
// bus.SearchClient.
func WithResolver(r fanout.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithPresencePublisher mirrors presence changes to p.
func WithPresencePublisher(p presence.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithMetrics sets the metrics collectors. New creates its own otherwise.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuthenticator overrides the authenticator built from cfg.Auth.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *options) { o.authenticator = a }
}

// New wires the registry, presence tracker, call machine and chat router.
// Subscriptions are fixed here: registry events feed the tracker, and
// presence changes feed the machine.
func New(cfg config.Config, backend Backend, logger *slog.Logger, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, errors.New("server: nil backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics()
	}
	if o.resolver == nil {
		o.resolver = backend
	}
	if o.authenticator == nil {
		a, err := auth.New(cfg.Auth.Mode, cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		o.authenticator = a
	}

	reg := registry.New(logger.With("component", "registry"))

	trackerOpts := []presence.Option{presence.WithSessionStore(backend, cfg.Store.SessionQueue)}
	if o.publisher != nil {
		trackerOpts = append(trackerOpts, presence.WithPublisher(o.publisher))
	}
	tracker := presence.NewTracker(logger.With("component", "presence"), trackerOpts...)
	reg.Subscribe(tracker)
	reg.Subscribe(registry.ListenerFunc(func(registry.Event) {
		o.metrics.SetConnections(reg.Count(), reg.OnlineCount())
	}))

	machine := signaling.New(reg, signaling.Config{RingTimeout: cfg.Signaling.RingTimeout},
		logger.With("component", "signaling"),
		signaling.WithDirectory(backend),
		signaling.WithMetrics(o.metrics),
	)
	tracker.Subscribe(machine.OnPresence)

	router := fanout.New(reg, o.resolver, backend, logger.With("component", "fanout"),
		fanout.WithPresence(tracker),
		fanout.WithMetrics(o.metrics),
	)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  o.metrics,
		auth:     o.authenticator,
		origins:  newOriginPolicy(cfg.Server.AllowedOrigins, logger),
		backend:  backend,
		registry: reg,
		tracker:  tracker,
		machine:  machine,
		router:   router,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.allowedRequest,
	}
	s.hub = newHub(reg, &dispatcher{
		router:  router,
		machine: machine,
		metrics: o.metrics,
		logger:  logger.With("component", "dispatch"),
	}, o.metrics, logger)
	return s, nil
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Presence returns the presence tracker.
func (s *Server) Presence() *presence.Tracker { return s.tracker }

// Machine returns the call signaling machine.
func (s *Server) Machine() *signaling.Machine { return s.machine }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

// Shutdown closes every connection, stops pending ring timers and flushes
// queued session writes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.hub.Shutdown(ctx)
	s.machine.Close()
	s.tracker.Close()
	return err
}
