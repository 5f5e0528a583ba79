package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

const sessionWriteTimeout = 5 * time.Second

// SessionUpdate mirrors a connection attach/detach onto a session record.
type SessionUpdate struct {
	SessionID    string
	Identity     registry.Identity
	ConnectionID registry.ConnectionID
	Online       bool
	LastOnline   time.Time
}

// SessionStore persists session records. It is called off the registry's
// critical path.
type SessionStore interface {
	UpdateSession(ctx context.Context, update SessionUpdate) error
}

// sessionWriter drains updates on a single goroutine so that store I/O never
// runs under registry locks.
type sessionWriter struct {
	store   SessionStore
	updates chan SessionUpdate
	done    chan struct{}
	once    sync.Once
	closeMu sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

func newSessionWriter(store SessionStore, queueSize int, logger *slog.Logger) *sessionWriter {
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &sessionWriter{
		store:   store,
		updates: make(chan SessionUpdate, queueSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w
}

func (w *sessionWriter) enqueue(u SessionUpdate) {
	if u.SessionID == "" {
		return
	}
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.updates <- u:
	default:
		w.logger.Warn("session write queue full; dropping update", "identity", u.Identity, "session", u.SessionID)
	}
}

func (w *sessionWriter) run() {
	defer close(w.done)
	for u := range w.updates {
		ctx, cancel := context.WithTimeout(context.Background(), sessionWriteTimeout)
		if err := w.store.UpdateSession(ctx, u); err != nil {
			w.logger.Warn("session write-through failed", "identity", u.Identity, "session", u.SessionID, "error", err)
		}
		cancel()
	}
}

func (w *sessionWriter) close() {
	w.once.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		close(w.updates)
		w.closeMu.Unlock()
		<-w.done
	})
}
