// Package signaling runs the per-identity call state machine: call offers,
// answers, negotiation payload relay and teardown.
//
// Every identity is in exactly one of idle, calling, ringing or in-call.
// Transitions touching two identities lock both in a fixed order, so two users
// calling each other at the same instant cannot deadlock and at most one of
// the two requests becomes a call.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-rtc/internal/keylock"
	"github.com/Tyrowin/gochat-rtc/internal/presence"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

// Connections is the subset of the connection registry the machine needs.
type Connections interface {
	IsOnline(registry.Identity) bool
	Deliver(registry.Identity, []byte) int
	DeliverTo(registry.ConnectionID, []byte) bool
	DeliverExcept(registry.Identity, registry.ConnectionID, []byte) int
}

// Directory resolves a caller's display details for incoming-call frames.
type Directory interface {
	Profile(ctx context.Context, identity string) (protocol.UserSummary, error)
}

// Metrics observes machine activity.
type Metrics interface {
	ObserveCall(outcome string)
	SetActiveCalls(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCall(string) {}
func (nopMetrics) SetActiveCalls(int) {}

// Config tunes the machine.
type Config struct {
	// RingTimeout ends a call that is still ringing after this long.
	// Zero disables the timeout.
	RingTimeout time.Duration
}

// Machine is the call signaling state machine.
type Machine struct {
	conns     Connections
	directory Directory
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	locks *keylock.Table

	mu       sync.Mutex
	sessions map[registry.Identity]*session
	gen      uint64
	closed   bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithDirectory sets the caller profile source.
func WithDirectory(d Directory) Option {
	return func(m *Machine) { m.directory = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine delivering through conns.
func New(conns Connections, cfg Config, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		conns:    conns,
		metrics:  nopMetrics{},
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		locks:    keylock.New(),
		sessions: make(map[registry.Identity]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var callEndedFrame = protocol.MustEncode(protocol.EventCallEnded, protocol.CallEnded{})

// Call starts a call from the caller to peer. A busy, offline or identical
// peer gets the caller an immediate call-ended and changes nothing.
func (m *Machine) Call(ctx context.Context, from Caller, peer registry.Identity, signal json.RawMessage) Outcome {
	if peer == "" || peer == from.Identity {
		m.conns.DeliverTo(from.ConnectionID, callEndedFrame)
		return m.observe(OutcomeSelf)
	}

	// Directory lookups are I/O and stay outside the pair lock.
	callFrom := m.profile(ctx, from.Identity)

	unlock := m.locks.LockPair(string(from.Identity), string(peer))
	defer unlock()

	if m.lookup(from.Identity) != nil {
		m.logger.Debug("call request while not idle; dropping", "identity", from.Identity, "peer", peer)
		return m.observe(OutcomeViolation)
	}
	if !m.conns.IsOnline(from.Identity) {
		return m.observe(OutcomeViolation)
	}
	if existing := m.lookup(peer); existing != nil {
		m.logger.Info("peer busy; rejecting call", "identity", from.Identity, "peer", peer, "peer_state", existing.stateOf(peer))
		m.conns.DeliverTo(from.ConnectionID, callEndedFrame)
		return m.observe(OutcomeBusy)
	}
	if !m.conns.IsOnline(peer) {
		m.logger.Info("peer offline; rejecting call", "identity", from.Identity, "peer", peer)
		m.conns.DeliverTo(from.ConnectionID, callEndedFrame)
		return m.observe(OutcomeOffline)
	}

	s := &session{
		initiator:    from.Identity,
		peer:         peer,
		initiatorLeg: from.ConnectionID,
		initState:    Calling,
		peerState:    Ringing,
		pending:      signal,
		startedAt:    m.now(),
	}
	if !m.store(s) {
		return m.observe(OutcomeViolation)
	}

	frame, err := protocol.Encode(protocol.EventIncomingCall, protocol.IncomingCall{
		CallFrom:   callFrom,
		SignalData: signal,
	})
	if err != nil {
		m.logger.Warn("failed to encode incoming-call", "error", err)
		m.teardown(s)
		m.conns.DeliverTo(from.ConnectionID, callEndedFrame)
		return m.observe(OutcomeViolation)
	}
	m.conns.Deliver(peer, frame)
	m.logger.Info("call started", "initiator", from.Identity, "peer", peer)
	return m.observe(OutcomeStarted)
}

// Answer accepts a ringing call. The callee's payload is relayed verbatim to
// the initiator.
func (m *Machine) Answer(from Caller, initiator registry.Identity, signal json.RawMessage) Outcome {
	unlock := m.locks.LockPair(string(from.Identity), string(initiator))
	defer unlock()

	s := m.lookup(from.Identity)
	if s == nil {
		// The caller gave up before the answer arrived.
		m.conns.DeliverTo(from.ConnectionID, callEndedFrame)
		return m.observe(OutcomeStale)
	}
	if s.peer != from.Identity || s.initiator != initiator || s.peerState != Ringing {
		m.logger.Debug("answer does not match call state; dropping",
			"identity", from.Identity, "initiator", initiator, "state", s.stateOf(from.Identity))
		return m.observe(OutcomeViolation)
	}

	s.peerLeg = from.ConnectionID
	s.peerState = InCall
	s.initState = InCall
	s.pending = signal
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	frame, err := protocol.Encode(protocol.EventCallAccepted, protocol.CallAccepted{SignalData: signal})
	if err != nil {
		m.logger.Warn("failed to encode call-accepted", "error", err)
		m.endLocked(s, from.Identity)
		return m.observe(OutcomeViolation)
	}
	m.deliverToParty(s, initiator, frame)
	// Other devices of the callee stop ringing.
	m.conns.DeliverExcept(from.Identity, from.ConnectionID, callEndedFrame)

	m.logger.Info("call accepted", "initiator", initiator, "peer", from.Identity)
	return m.observe(OutcomeAccepted)
}

// Relay forwards an additional negotiation payload to the counterpart while
// both parties are still in the same call. Anything else is discarded.
func (m *Machine) Relay(from Caller, to registry.Identity, signal json.RawMessage) Outcome {
	unlock := m.locks.LockPair(string(from.Identity), string(to))
	defer unlock()

	s := m.lookup(from.Identity)
	if s == nil || s.counterpart(from.Identity) != to {
		return m.observe(OutcomeStale)
	}
	if leg := s.legOf(from.Identity); leg != "" && leg != from.ConnectionID {
		return m.observe(OutcomeStale)
	}

	frame, err := protocol.Encode(protocol.EventSignal, protocol.Signal{
		From:       string(from.Identity),
		SignalData: signal,
	})
	if err != nil {
		m.logger.Warn("failed to encode signal", "error", err)
		return m.observe(OutcomeViolation)
	}
	m.deliverToParty(s, to, frame)
	return m.observe(OutcomeRelayed)
}

// End hangs up the caller's call with to. The counterpart receives a single
// call-ended. Ending while idle is a no-op, and an end naming someone other
// than the current counterpart is discarded as stale.
func (m *Machine) End(from Caller, to registry.Identity) Outcome {
	s, unlock := m.lockSessionOf(from.Identity)
	defer unlock()

	if s == nil {
		return m.observe(OutcomeNoop)
	}
	if other := s.counterpart(from.Identity); other != to {
		m.logger.Debug("dropping end-call for a different counterpart", "identity", from.Identity, "named", to, "actual", other)
		return m.observe(OutcomeStale)
	}
	if s.stateOf(from.Identity) == Ringing {
		// A rejection on one device silences the others.
		m.conns.DeliverExcept(from.Identity, from.ConnectionID, callEndedFrame)
	}
	m.endLocked(s, from.Identity)
	m.logger.Info("call ended", "by", from.Identity, "counterpart", s.counterpart(from.Identity))
	return m.observe(OutcomeEnded)
}

// OnPresence force-ends the call of an identity that just went offline.
func (m *Machine) OnPresence(change presence.Change) {
	if change.Online {
		return
	}
	s, unlock := m.lockSessionOf(change.Identity)
	defer unlock()
	if s == nil {
		return
	}
	m.endLocked(s, change.Identity)
	m.logger.Info("call ended by disconnect", "identity", change.Identity, "counterpart", s.counterpart(change.Identity))
	m.observe(OutcomeDisconnected)
}

// State returns identity's current call state.
func (m *Machine) State(identity registry.Identity) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[identity]
	if s == nil {
		return Idle
	}
	return s.stateOf(identity)
}

// Session returns a copy of identity's current call session.
func (m *Machine) Session(identity registry.Identity) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[identity]
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// ActiveCalls returns the number of live call sessions.
func (m *Machine) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) / 2
}

// Close stops ring timers. Calls in progress are left as they are; the
// process is about to drop every connection anyway.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
}

// lockSessionOf locks identity together with its current counterpart. When
// identity is idle the returned unlock releases identity alone.
func (m *Machine) lockSessionOf(identity registry.Identity) (*session, func()) {
	for {
		unlock := m.locks.Lock(string(identity))
		s := m.lookup(identity)
		if s == nil {
			return nil, unlock
		}
		other := s.counterpart(identity)
		unlock()

		unlock = m.locks.LockPair(string(identity), string(other))
		if m.lookup(identity) == s {
			return s, unlock
		}
		unlock()
	}
}

// endLocked tears s down on behalf of by and tells the counterpart.
func (m *Machine) endLocked(s *session, by registry.Identity) {
	m.teardown(s)
	m.deliverToParty(s, s.counterpart(by), callEndedFrame)
}

func (m *Machine) expire(s *session, gen uint64) {
	unlock := m.locks.LockPair(string(s.initiator), string(s.peer))
	defer unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.lookup(s.initiator) != s || s.gen != gen || s.peerState != Ringing {
		return
	}
	m.teardown(s)
	m.deliverToParty(s, s.initiator, callEndedFrame)
	m.conns.Deliver(s.peer, callEndedFrame)
	m.logger.Info("call unanswered; ring timeout", "initiator", s.initiator, "peer", s.peer)
	m.observe(OutcomeTimeout)
}

// deliverToParty prefers the connection bound to the call and falls back to
// every connection of the party when none is bound or it has gone away.
func (m *Machine) deliverToParty(s *session, party registry.Identity, frame []byte) {
	if leg := s.legOf(party); leg != "" && m.conns.DeliverTo(leg, frame) {
		return
	}
	m.conns.Deliver(party, frame)
}

func (m *Machine) profile(ctx context.Context, identity registry.Identity) protocol.UserSummary {
	fallback := protocol.UserSummary{ID: string(identity), DisplayName: string(identity)}
	if m.directory == nil {
		return fallback
	}
	p, err := m.directory.Profile(ctx, string(identity))
	if err != nil {
		m.logger.Debug("caller profile lookup failed", "identity", identity, "error", err)
		return fallback
	}
	if p.ID == "" {
		p.ID = string(identity)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	return p
}

func (m *Machine) lookup(identity registry.Identity) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[identity]
}

func (m *Machine) store(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.gen++
	s.gen = m.gen
	m.sessions[s.initiator] = s
	m.sessions[s.peer] = s
	if m.cfg.RingTimeout > 0 {
		gen := s.gen
		s.timer = time.AfterFunc(m.cfg.RingTimeout, func() { m.expire(s, gen) })
	}
	m.metrics.SetActiveCalls(len(m.sessions) / 2)
	return true
}

func (m *Machine) teardown(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.initState = Idle
	s.peerState = Idle
	if m.sessions[s.initiator] == s {
		delete(m.sessions, s.initiator)
	}
	if m.sessions[s.peer] == s {
		delete(m.sessions, s.peer)
	}
	m.metrics.SetActiveCalls(len(m.sessions) / 2)
}

func (m *Machine) observe(o Outcome) Outcome {
	m.metrics.ObserveCall(string(o))
	return o
}
