// Package registry maps authenticated identities to their live connections.
//
// A single identity may hold any number of simultaneous connections (one per
// device or tab). The registry owns no I/O: delivery is a non-blocking push
// into each connection's send buffer, and a connection that cannot accept a
// push is closed so that its transport goroutines run the normal disconnect
// path.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-rtc/internal/keylock"
)

// Identity is the verified user id attached to a connection.
type Identity string

// ConnectionID uniquely identifies one live connection.
type ConnectionID string

// Conn is a live bidirectional channel owned by exactly one identity.
//
// Send must not block: it returns false when the connection is closed or its
// outbound buffer is full. Close must not block and must not call back into
// the Registry synchronously.
type Conn interface {
	Identity() Identity
	SessionID() string
	CreatedAt() time.Time
	Send(payload []byte) bool
	Close()
}

// Event describes a registry transition for one identity.
type Event struct {
	Identity     Identity
	ConnectionID ConnectionID
	SessionID    string
	// Attached is true for Register, false for Unregister.
	Attached bool
	// Online reports whether the identity has at least one connection
	// after the transition.
	Online bool
	// Changed is true when the transition flipped Online (first connection
	// attached or last connection removed).
	Changed bool
	At      time.Time
}

// Listener observes registry transitions. Events for the same identity are
// delivered one at a time, in the order they were applied.
type Listener interface {
	OnRegistryEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// OnRegistryEvent calls f(ev).
func (f ListenerFunc) OnRegistryEvent(ev Event) { f(ev) }

type entry struct {
	id   ConnectionID
	conn Conn
}

// Registry is the identity → connections index.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[Identity]map[ConnectionID]*entry
	byConn   map[ConnectionID]*entry
	locks    *keylock.Table
	listenMu sync.RWMutex
	listen   []Listener
	now      func() time.Time
	newID    func() ConnectionID
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides connection id generation.
func WithIDGenerator(gen func() ConnectionID) Option {
	return func(r *Registry) { r.newID = gen }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byUser: make(map[Identity]map[ConnectionID]*entry),
		byConn: make(map[ConnectionID]*entry),
		locks:  keylock.New(),
		now:    time.Now,
		newID:  func() ConnectionID { return ConnectionID(uuid.NewString()) },
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds a listener. Listeners are meant to be wired once at startup.
func (r *Registry) Subscribe(l Listener) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	r.listen = append(r.listen, l)
}

// Register adds conn under its identity and returns the assigned id.
func (r *Registry) Register(conn Conn) ConnectionID {
	identity := conn.Identity()
	unlock := r.locks.Lock(string(identity))
	defer unlock()

	id := r.newID()
	r.mu.Lock()
	conns := r.byUser[identity]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[ConnectionID]*entry)
		r.byUser[identity] = conns
	}
	e := &entry{id: id, conn: conn}
	conns[id] = e
	r.byConn[id] = e
	r.mu.Unlock()

	r.logger.Debug("connection registered", "identity", identity, "conn", id, "first", first)
	r.emit(Event{
		Identity:     identity,
		ConnectionID: id,
		SessionID:    conn.SessionID(),
		Attached:     true,
		Online:       true,
		Changed:      first,
		At:           r.now(),
	})
	return id
}

// Unregister removes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(id ConnectionID) {
	r.mu.RLock()
	e, ok := r.byConn[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	identity := e.conn.Identity()

	unlock := r.locks.Lock(string(identity))
	defer unlock()

	r.mu.Lock()
	if _, still := r.byConn[id]; !still {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, id)
	conns := r.byUser[identity]
	delete(conns, id)
	last := len(conns) == 0
	if last {
		delete(r.byUser, identity)
	}
	r.mu.Unlock()

	r.logger.Debug("connection unregistered", "identity", identity, "conn", id, "last", last)
	r.emit(Event{
		Identity:     identity,
		ConnectionID: id,
		SessionID:    e.conn.SessionID(),
		Attached:     false,
		Online:       !last,
		Changed:      last,
		At:           r.now(),
	})
}

func (r *Registry) emit(ev Event) {
	r.listenMu.RLock()
	listeners := append([]Listener(nil), r.listen...)
	r.listenMu.RUnlock()
	for _, l := range listeners {
		l.OnRegistryEvent(ev)
	}
}

// ConnectionsFor returns the ids of identity's live connections.
func (r *Registry) ConnectionsFor(identity Identity) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[identity]
	if len(conns) == 0 {
		return nil
	}
	out := make([]ConnectionID, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether identity has at least one live connection.
func (r *Registry) IsOnline(identity Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[identity]) > 0
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id ConnectionID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// OnlineCount returns the number of identities with at least one connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
