// Package presence derives online/offline state and last-seen timestamps from
// connection registry transitions.
package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

// Status is the presence of one identity.
type Status struct {
	Online     bool
	LastOnline time.Time // zero while online or never seen
}

// Change is published whenever an identity goes online or offline.
type Change struct {
	Identity   registry.Identity
	Online     bool
	LastOnline time.Time
}

// Publisher receives every presence change, e.g. to mirror it onto a bus.
type Publisher interface {
	PublishPresence(Change)
}

// Tracker keeps process-local presence. It implements registry.Listener.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[registry.Identity]Status

	subMu sync.RWMutex
	subs  []func(Change)

	writer    *sessionWriter
	publisher Publisher
	logger    *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSessionStore enables best-effort write-through of session records.
// queueSize bounds the pending writes; extra writes are dropped.
func WithSessionStore(store SessionStore, queueSize int) Option {
	return func(t *Tracker) {
		t.writer = newSessionWriter(store, queueSize, t.logger)
	}
}

// WithPublisher mirrors every change to p.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// NewTracker creates a tracker. Attach it with registry.Subscribe.
func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		statuses: make(map[registry.Identity]Status),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers fn for every presence change. Subscribers are called
// synchronously, in transition order for any single identity.
func (t *Tracker) Subscribe(fn func(Change)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = append(t.subs, fn)
}

// OnRegistryEvent applies a registry transition.
func (t *Tracker) OnRegistryEvent(ev registry.Event) {
	if t.writer != nil {
		update := SessionUpdate{
			SessionID:    ev.SessionID,
			Identity:     ev.Identity,
			ConnectionID: ev.ConnectionID,
			Online:       ev.Online,
		}
		if !ev.Online {
			update.LastOnline = ev.At
		}
		t.writer.enqueue(update)
	}

	if !ev.Changed {
		return
	}

	change := Change{Identity: ev.Identity, Online: ev.Online}
	t.mu.Lock()
	if ev.Online {
		t.statuses[ev.Identity] = Status{Online: true}
	} else {
		change.LastOnline = ev.At
		t.statuses[ev.Identity] = Status{Online: false, LastOnline: ev.At}
	}
	t.mu.Unlock()

	if ev.Online {
		t.logger.Info("identity online", "identity", ev.Identity)
	} else {
		t.logger.Info("identity offline", "identity", ev.Identity, "last_online", ev.At)
	}

	t.subMu.RLock()
	subs := slices.Clone(t.subs)
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(change)
	}
	if t.publisher != nil {
		t.publisher.PublishPresence(change)
	}
}

// Status returns the last known presence of identity. Identities never seen
// by this process report offline with a zero LastOnline.
func (t *Tracker) Status(identity registry.Identity) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[identity]
}

// Close stops the session writer after flushing queued writes.
func (t *Tracker) Close() {
	if t.writer != nil {
		t.writer.close()
	}
}
