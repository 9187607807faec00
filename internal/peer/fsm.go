// Package peer implements the Peer Agent: the RFC 6733 peer liveness state
// machine and the runtime actor that drives it over a real transport
// connection.
//
// The FSM itself is kept as a pure function, step(state, event) -> (state',
// actions[]), so it can be property-tested with arbitrary event sequences
// without any I/O. The actor in agent.go interprets the returned actions
// against a real net.Conn, modeled on an actor-style peer event loop.
package peer

import "time"

// State is one of the RFC 6733 peer states. The initiator-only role collapses
// R-Open/Receiver variants into WaitICEA.
type State int

const (
	Closed State = iota
	WaitConnAck
	WaitICEA
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case WaitConnAck:
		return "WaitConnAck"
	case WaitICEA:
		return "WaitICEA"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Role is whether this Peer Agent initiates or accepts the connection.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// EventKind discriminates the Event union.
type EventKind int

const (
	EvStart EventKind = iota
	EvConnectionUp
	EvConnectionFailed
	EvMessageReceived
	EvWatchdogTimerExpiry
	EvDisconnectRequest
)

// MessageKind classifies an inbound message for the FSM; the actor maps a
// parsed codec.Message to this before calling step, so the FSM itself never
// touches the codec package.
type MessageKind int

const (
	MsgCER MessageKind = iota
	MsgCEA
	MsgCEAFailed // CEA received with Result-Code != DIAMETER_SUCCESS
	MsgDWR
	MsgDWA
	MsgDPR
	MsgDPA
	MsgOther
)

// Event is the FSM input union. Only the field relevant to Kind is read.
type Event struct {
	Kind    EventKind
	Message MessageKind
}

// ActionKind discriminates the Action union the FSM emits for the runtime to
// execute.
type ActionKind int

const (
	ActConnectToPeer ActionKind = iota
	ActDisconnectPeer
	ActSendCER
	ActSendCEASuccess
	ActSendCEAFailure
	ActSendDWR
	ActSendDWA
	ActSendDPR
	ActSendDPA
	ActResetWatchdogTimer
	ActSendHeartbeat
	ActNotifyUp
	ActNotifyDown
	ActScheduleReconnect
	ActLog
)

// Action is one side effect the runtime must perform, in the order returned.
type Action struct {
	Kind ActionKind
	Note string // for ActLog, and extra context on other actions
}

// FSM holds the mutable fields that accompany State but are not part of the
// state identity itself: watchdog failure count and current backoff.
type FSM struct {
	Role                Role
	State               State
	WatchdogFailures    int
	MaxWatchdogFailures int
	Backoff             time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
}

// New builds an FSM in the Closed state for either role. A server-role peer
// moves to WaitICEA when the transport layer, right after accepting a
// connection, calls Step(EvConnectionUp). Backoff starts at zero, so the
// first connection failure schedules a retry after backoffInitial.
func New(role Role, maxWatchdogFailures int, backoffInitial, backoffMax time.Duration) *FSM {
	return &FSM{
		Role:                role,
		State:               Closed,
		MaxWatchdogFailures: maxWatchdogFailures,
		BackoffInitial:      backoffInitial,
		BackoffMax:          backoffMax,
	}
}

// Step applies one event to the FSM, mutating its State/counters in place
// and returning the actions the runtime must execute, in order. Step never
// blocks and never performs I/O; it is safe to call from a property test
// with any sequence of events and must never panic.
func (f *FSM) Step(ev Event) []Action {
	switch f.State {
	case Closed:
		return f.stepClosed(ev)
	case WaitConnAck:
		return f.stepWaitConnAck(ev)
	case WaitICEA:
		return f.stepWaitICEA(ev)
	case Open:
		return f.stepOpen(ev)
	case Closing:
		return f.stepClosing(ev)
	default:
		return nil
	}
}

func (f *FSM) stepClosed(ev Event) []Action {
	switch ev.Kind {
	case EvStart:
		if f.Role == RoleClient {
			f.State = WaitConnAck
			return []Action{{Kind: ActConnectToPeer}}
		}
		// Server role: nothing to do until the transport hands us an
		// already-accepted connection (EvConnectionUp while Closed).
		return nil
	case EvConnectionUp:
		// Passive/server peer: the listener already has the socket.
		f.State = WaitICEA
		return []Action{{Kind: ActResetWatchdogTimer}}
	case EvDisconnectRequest:
		return nil
	default:
		return []Action{{Kind: ActLog, Note: "event ignored in Closed"}}
	}
}

func (f *FSM) stepWaitConnAck(ev Event) []Action {
	switch ev.Kind {
	case EvConnectionUp:
		f.State = WaitICEA
		return []Action{{Kind: ActSendCER}, {Kind: ActResetWatchdogTimer}}
	case EvConnectionFailed:
		f.State = Closed
		f.growBackoff()
		return []Action{{Kind: ActScheduleReconnect, Note: f.Backoff.String()}}
	case EvDisconnectRequest:
		f.State = Closed
		return []Action{{Kind: ActDisconnectPeer}}
	default:
		return []Action{{Kind: ActLog, Note: "event ignored in WaitConnAck"}}
	}
}

func (f *FSM) stepWaitICEA(ev Event) []Action {
	switch ev.Kind {
	case EvMessageReceived:
		switch ev.Message {
		case MsgCER:
			// Server role: respond with CEA and open.
			f.WatchdogFailures = 0
			f.State = Open
			return []Action{{Kind: ActSendCEASuccess}, {Kind: ActNotifyUp}, {Kind: ActResetWatchdogTimer}}
		case MsgCEA:
			f.WatchdogFailures = 0
			f.State = Open
			return []Action{{Kind: ActNotifyUp}, {Kind: ActResetWatchdogTimer}}
		case MsgCEAFailed:
			f.State = Closed
			return []Action{{Kind: ActDisconnectPeer}}
		default:
			// DWR et al. before CER/CEA must not prematurely mark the peer
			// Open; drop.
			return []Action{{Kind: ActLog, Note: "non-handshake message while WaitICEA, dropped"}}
		}
	case EvWatchdogTimerExpiry:
		// No CER/CEA yet to judge liveness by; fall back to a transport-level
		// probe on the same ticker the Open state uses for DWR/DWA, per the
		// non-Open monitoring strategy.
		return []Action{{Kind: ActSendHeartbeat}, {Kind: ActResetWatchdogTimer}}
	case EvConnectionFailed:
		f.State = Closed
		f.growBackoff()
		return []Action{{Kind: ActScheduleReconnect, Note: f.Backoff.String()}}
	case EvDisconnectRequest:
		f.State = Closed
		return []Action{{Kind: ActDisconnectPeer}}
	default:
		return []Action{{Kind: ActLog, Note: "event ignored in WaitICEA"}}
	}
}

func (f *FSM) stepOpen(ev Event) []Action {
	switch ev.Kind {
	case EvMessageReceived:
		switch ev.Message {
		case MsgDWR:
			f.WatchdogFailures = 0
			return []Action{{Kind: ActSendDWA}, {Kind: ActResetWatchdogTimer}}
		case MsgDWA:
			f.WatchdogFailures = 0
			return []Action{{Kind: ActResetWatchdogTimer}}
		case MsgDPR:
			f.State = Closed
			return []Action{{Kind: ActSendDPA}, {Kind: ActNotifyDown}, {Kind: ActDisconnectPeer}}
		default:
			return nil
		}
	case EvWatchdogTimerExpiry:
		if f.WatchdogFailures < f.MaxWatchdogFailures {
			f.WatchdogFailures++
			return []Action{{Kind: ActSendDWR}, {Kind: ActResetWatchdogTimer}}
		}
		f.State = Closed
		return []Action{{Kind: ActNotifyDown}, {Kind: ActDisconnectPeer}}
	case EvDisconnectRequest:
		f.State = Closing
		return []Action{{Kind: ActSendDPR}}
	case EvConnectionFailed:
		f.State = Closed
		f.growBackoff()
		return []Action{{Kind: ActNotifyDown}, {Kind: ActScheduleReconnect, Note: f.Backoff.String()}}
	default:
		return []Action{{Kind: ActLog, Note: "event ignored in Open"}}
	}
}

func (f *FSM) stepClosing(ev Event) []Action {
	switch ev.Kind {
	case EvMessageReceived:
		if ev.Message == MsgDPA {
			f.State = Closed
			return []Action{{Kind: ActDisconnectPeer}}
		}
		return nil
	case EvWatchdogTimerExpiry:
		// DPA never arrived within the disconnect timeout; force close.
		f.State = Closed
		return []Action{{Kind: ActDisconnectPeer}}
	case EvConnectionFailed:
		f.State = Closed
		return []Action{{Kind: ActDisconnectPeer}}
	default:
		return []Action{{Kind: ActLog, Note: "event ignored in Closing"}}
	}
}

func (f *FSM) growBackoff() {
	if f.Backoff <= 0 {
		f.Backoff = f.BackoffInitial
		return
	}
	next := f.Backoff * 2
	if next > f.BackoffMax {
		next = f.BackoffMax
	}
	f.Backoff = next
}

// IsOpen reports whether the FSM is currently in the Open state — the only
// state in which a peer is eligible for routing.
func (f *FSM) IsOpen() bool { return f.State == Open }

// UsesWatchdog reports whether the current state should use the DWR/DWA
// watchdog (Open) or the transport-level heartbeat probe (WaitICEA) that
// rides the same ticker. Used by the runtime to pick the ticker interval.
func (f *FSM) UsesWatchdog() bool { return f.State == Open }
