package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Tyrowin/gochat-rtc/internal/observability"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

var errHubClosed = errors.New("hub is shutting down")

// Hub owns client lifecycles: it attaches upgraded clients to the registry,
// runs their pumps, and closes them all on shutdown.
type Hub struct {
	registry   *registry.Registry
	dispatcher *dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger

	mutex   sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// newHub creates a Hub attaching clients to reg and routing their frames
// through d.
func newHub(reg *registry.Registry, d *dispatcher, metrics *observability.Metrics, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   reg,
		dispatcher: d,
		metrics:    metrics,
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// attach registers c, greets it with a connected frame and starts its pumps.
func (h *Hub) attach(c *Client) error {
	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		return errHubClosed
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mutex.Unlock()

	c.id = h.registry.Register(c)
	c.logger = c.logger.With("conn", c.id)
	h.metrics.ObserveConnection("opened")
	h.logger.Info("client registered", "identity", c.identity, "conn", c.id, "addr", c.addr,
		"connections", h.registry.Count())

	c.Send(protocol.MustEncode(protocol.EventConnected, protocol.Connected{
		ConnectionID: string(c.id),
		Identity:     string(c.identity),
	}))

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return nil
}

// detach runs once per client when its read pump exits.
func (h *Hub) detach(c *Client) {
	h.registry.Unregister(c.id)
	c.Close()

	h.mutex.Lock()
	delete(h.clients, c)
	h.mutex.Unlock()

	h.metrics.ObserveConnection("closed")
	h.logger.Info("client unregistered", "identity", c.identity, "conn", c.id,
		"connections", h.registry.Count())
}

func (h *Hub) dispatch(c *Client, raw []byte) {
	h.dispatcher.dispatch(h.ctx, c, raw)
}

// clientCount returns the number of attached clients.
func (h *Hub) clientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Shutdown closes every client and waits for their pumps to finish or for
// ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.Close()
	}
	h.logger.Info("closing client connections", "count", len(clients))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	defer h.cancel()
	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out, some connections may still be open")
		return ctx.Err()
	}
}
