package call

import (
	"encoding/json"

	"github.com/mossy-p/call-signaling/internal/models"
)

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Ringing reports whether the call is waiting for an answer.
func (s State) Ringing() bool {
	return s == StateOutgoing || s == StateIncoming
}

// Outcome is the cause of a return to Idle.
type Outcome string

const (
	OutcomeDeclined   Outcome = "declined"
	OutcomeBusy       Outcome = "busy"
	OutcomeOffline    Outcome = "offline"
	OutcomeUnanswered Outcome = "unanswered"
	OutcomeMissed     Outcome = "missed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeEnded      Outcome = "ended"
	OutcomeError      Outcome = "error"
)

type EventType string

const (
	EventIncoming   EventType = "incoming"
	EventConnected  EventType = "connected"
	EventSignal     EventType = "signal"
	EventTerminated EventType = "terminated"
)

// Event is what the machine reports to the user interface. Every call
// attempt ends with exactly one EventTerminated.
type Event struct {
	Type     EventType
	Peer     string
	CallKind models.CallKind

	// EventTerminated
	Outcome Outcome
	Reason  string

	// EventSignal
	SignalKind models.SignalKind
	Data       json.RawMessage

	// EventIncoming: transport-specific details of the attempt, e.g. the
	// ledger's invitation id and room token.
	Details json.RawMessage
}

// Status is a point-in-time copy of the machine's state.
type Status struct {
	State    State
	Peer     string
	CallKind models.CallKind
}
