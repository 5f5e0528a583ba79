package signaling

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

// State is one identity's call state.
type State int

const (
	Idle State = iota
	Calling
	Ringing
	InCall
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case InCall:
		return "in-call"
	default:
		return "unknown"
	}
}

// Outcome classifies what a signaling request did.
type Outcome string

const (
	OutcomeStarted      Outcome = "started"
	OutcomeBusy         Outcome = "busy"
	OutcomeOffline      Outcome = "offline"
	OutcomeSelf         Outcome = "self"
	OutcomeViolation    Outcome = "violation"
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRelayed      Outcome = "relayed"
	OutcomeEnded        Outcome = "ended"
	OutcomeNoop         Outcome = "noop"
	OutcomeStale        Outcome = "stale"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeTimeout      Outcome = "timeout"
)

// Caller identifies the connection a request arrived on.
type Caller struct {
	Identity     registry.Identity
	ConnectionID registry.ConnectionID
}

// session is shared by both parties of a call. Fields are only touched with
// both parties' locks held.
type session struct {
	initiator    registry.Identity
	peer         registry.Identity
	initiatorLeg registry.ConnectionID
	peerLeg      registry.ConnectionID // empty until answered
	initState    State
	peerState    State
	pending      json.RawMessage
	startedAt    time.Time
	gen          uint64
	timer        *time.Timer
}

func (s *session) counterpart(id registry.Identity) registry.Identity {
	if id == s.initiator {
		return s.peer
	}
	return s.initiator
}

func (s *session) stateOf(id registry.Identity) State {
	switch id {
	case s.initiator:
		return s.initState
	case s.peer:
		return s.peerState
	default:
		return Idle
	}
}

func (s *session) legOf(id registry.Identity) registry.ConnectionID {
	if id == s.initiator {
		return s.initiatorLeg
	}
	return s.peerLeg
}

// SessionInfo is a read-only copy of a call session.
type SessionInfo struct {
	Initiator      registry.Identity
	Peer           registry.Identity
	InitiatorState State
	PeerState      State
	Pending        json.RawMessage
	StartedAt      time.Time
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Initiator:      s.initiator,
		Peer:           s.peer,
		InitiatorState: s.initState,
		PeerState:      s.peerState,
		Pending:        append(json.RawMessage(nil), s.pending...),
		StartedAt:      s.startedAt,
	}
}
