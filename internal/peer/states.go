package peer

import "sync/atomic"

// State is the lifecycle of one participant's connection. Transitions are
// strictly monotonic along the graph below; Closed is terminal and its
// cleanup runs even when a session is torn down mid-negotiation.
//
//	Idle -> Offering|Answering -> Connected <-> Degraded
//	Connected|Degraded -> Failed -> Offering|Answering (via backoff)
//	* -> Closed
type State int32

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateDegraded
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiating reports whether the session is mid-handshake.
func (s State) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

var transitions = map[State][]State{
	StateIdle:      {StateOffering, StateAnswering},
	StateOffering:  {StateConnected, StateFailed},
	StateAnswering: {StateConnected, StateFailed},
	StateConnected: {StateDegraded, StateFailed},
	StateDegraded:  {StateConnected, StateFailed},
	StateFailed:    {StateOffering, StateAnswering},
	StateClosed:    {},
}

type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Load() State   { return State(a.v.Load()) }
func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }

func validTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
