// Package call holds the per-peer call state machine and the transports it
// can negotiate over.
//
// A Machine owns one call attempt at a time. All transitions happen on the
// goroutine running Run: user actions are queued as commands, transport
// frames arrive on Transport.Inbound, and the ringing timer fires on the same
// loop, so no two events for a call are ever processed concurrently.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

// DefaultRingTimeout is used when Config.RingTimeout is zero.
const DefaultRingTimeout = 45 * time.Second

// Transport carries call frames to and from the other peer. Send is called
// only from the machine's Run goroutine.
type Transport interface {
	Send(ctx context.Context, msg models.SignalMessage) error
	Inbound() <-chan models.SignalMessage
}

type Config struct {
	// RingTimeout bounds both Outgoing and Incoming.
	RingTimeout time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

type Machine struct {
	transport   Transport
	ringTimeout time.Duration

	cmds   chan command
	events chan Event
	done   chan struct{}

	// Owned by the Run goroutine.
	state State
	peer  string
	kind  models.CallKind
	ring  *time.Timer
	ringC <-chan time.Time
	ctx   context.Context

	statusMu sync.RWMutex
	status   Status
}

func NewMachine(t Transport, cfg Config) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Machine{
		transport:   t,
		ringTimeout: cfg.RingTimeout,
		cmds:        make(chan command),
		events:      make(chan Event, cfg.EventBuffer),
		done:        make(chan struct{}),
	}
}

// Events is closed when Run returns.
func (m *Machine) Events() <-chan Event { return m.events }

func (m *Machine) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *Machine) State() State { return m.Status().State }

// Run drives the machine until ctx is cancelled or the transport's inbound
// stream closes.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.events)
	defer close(m.done)
	defer m.stopRing()

	in := m.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.cmds:
			log.Debug().Str("module", "call").Str("command", cmd.name).Str("state", m.state.String()).Msg("command")
			cmd.reply <- cmd.fn()
		case msg, ok := <-in:
			if !ok {
				if m.state != StateIdle {
					m.toIdle(OutcomeError, ErrTransportClosed.Error())
				}
				return ErrTransportClosed
			}
			m.handle(msg)
		case <-m.ringC:
			m.onRingTimeout()
		}
	}
}

func (m *Machine) do(ctx context.Context, name string, fn func() error) error {
	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitiateCall sends a call-request to target and enters Outgoing. A send
// failure leaves the machine Idle.
//
// Routing is asynchronous, so InitiateCall returns before the relay knows
// whether target is registered. An offline target comes back as call-error,
// which returns the machine to Idle with a single EventTerminated carrying
// OutcomeOffline. Until then Status reports Outgoing; callers that need the
// final answer should wait for the event rather than poll the state.
func (m *Machine) InitiateCall(ctx context.Context, target string, kind models.CallKind) error {
	if !kind.Valid() {
		return ErrInvalidCallKind
	}
	return m.do(ctx, "initiate", func() error {
		if m.state != StateIdle {
			log.Warn().Str("module", "call").Str("state", m.state.String()).Str("target", target).
				Msg("initiate ignored: not idle")
			return ErrNotIdle
		}
		err := m.transport.Send(ctx, models.SignalMessage{
			Type: models.TypeCallRequest,
			To:   target,
			Kind: string(kind),
		})
		if err != nil {
			return fmt.Errorf("send call-request: %w", err)
		}
		m.enter(StateOutgoing, target, kind)
		return nil
	})
}

// AcceptCall answers the current incoming call.
func (m *Machine) AcceptCall(ctx context.Context) error {
	return m.do(ctx, "accept", func() error {
		if m.state != StateIncoming {
			return m.precondition("accept")
		}
		err := m.transport.Send(ctx, models.SignalMessage{Type: models.TypeCallAccept, To: m.peer})
		if err != nil {
			m.toIdle(OutcomeError, err.Error())
			return fmt.Errorf("send call-accept: %w", err)
		}
		m.enter(StateConnected, m.peer, m.kind)
		m.emit(Event{Type: EventConnected, Peer: m.peer, CallKind: m.kind})
		return nil
	})
}

// RejectCall declines the current incoming call.
func (m *Machine) RejectCall(ctx context.Context) error {
	return m.do(ctx, "reject", func() error {
		if m.state != StateIncoming {
			return m.precondition("reject")
		}
		err := m.transport.Send(ctx, models.SignalMessage{Type: models.TypeCallReject, To: m.peer})
		m.toIdle(OutcomeDeclined, "")
		if err != nil {
			return fmt.Errorf("send call-reject: %w", err)
		}
		return nil
	})
}

// EndCall hangs up a connected call or cancels one that is still ringing.
// On the ledger transport a connected call has no signaling channel left, so
// the peer is not told; hanging up there is the media room's job.
func (m *Machine) EndCall(ctx context.Context) error {
	return m.do(ctx, "end", func() error {
		if m.state == StateIdle {
			return m.precondition("end")
		}
		err := m.transport.Send(ctx, models.SignalMessage{Type: models.TypeCallEnd, To: m.peer})
		outcome := OutcomeEnded
		if m.state.Ringing() {
			outcome = OutcomeCancelled
		}
		m.toIdle(outcome, "")
		if err != nil {
			return fmt.Errorf("send call-end: %w", err)
		}
		return nil
	})
}

// SendSignal relays an offer, answer or ICE candidate to the current peer.
func (m *Machine) SendSignal(ctx context.Context, kind models.SignalKind, data json.RawMessage) error {
	if !kind.Valid() {
		return ErrInvalidSignalKind
	}
	return m.do(ctx, "signal", func() error {
		if m.state == StateIdle {
			return m.precondition("signal")
		}
		err := m.transport.Send(ctx, models.SignalMessage{
			Type: models.TypeSignal,
			To:   m.peer,
			Kind: string(kind),
			Data: data,
		})
		if err != nil {
			return fmt.Errorf("send signal: %w", err)
		}
		return nil
	})
}

func (m *Machine) precondition(action string) error {
	log.Warn().Str("module", "call").Str("action", action).Str("state", m.state.String()).
		Msg("action ignored in current state")
	return fmt.Errorf("%s from %s: %w", action, m.state, ErrInvalidState)
}

func (m *Machine) handle(msg models.SignalMessage) {
	log.Debug().Str("module", "call").Str("type", string(msg.Type)).Str("from", msg.From).
		Str("state", m.state.String()).Msg("inbound")

	switch msg.Type {
	case models.TypeCallRequest:
		m.onCallRequest(msg)
	case models.TypeCallAccept:
		if m.state != StateOutgoing || msg.From != m.peer {
			m.ignore(msg)
			return
		}
		m.enter(StateConnected, m.peer, m.kind)
		m.emit(Event{Type: EventConnected, Peer: m.peer, CallKind: m.kind})
	case models.TypeCallReject:
		if m.state != StateOutgoing || msg.From != m.peer {
			m.ignore(msg)
			return
		}
		if msg.Reason == models.ReasonBusy {
			m.toIdle(OutcomeBusy, msg.Reason)
		} else {
			m.toIdle(OutcomeDeclined, msg.Reason)
		}
	case models.TypeCallEnd:
		// Ending an idle machine, or a call with someone else, is a no-op.
		if m.state == StateIdle || msg.From != m.peer {
			return
		}
		switch {
		case m.state == StateIncoming && msg.Reason == models.ReasonUnanswered:
			m.toIdle(OutcomeMissed, msg.Reason)
		case m.state == StateIncoming:
			m.toIdle(OutcomeCancelled, msg.Reason)
		default:
			m.toIdle(OutcomeEnded, msg.Reason)
		}
	case models.TypeSignal:
		// Late signals for a call that already ended are expected.
		if m.state == StateIdle || msg.From != m.peer {
			return
		}
		m.emit(Event{
			Type:       EventSignal,
			Peer:       m.peer,
			CallKind:   m.kind,
			SignalKind: models.SignalKind(msg.Kind),
			Data:       msg.Data,
		})
	case models.TypeCallError:
		m.onCallError(msg)
	default:
		m.ignore(msg)
	}
}

func (m *Machine) onCallRequest(msg models.SignalMessage) {
	kind := models.CallKind(msg.Kind)
	if m.state != StateIdle {
		// A repeated request from the caller we are already handling is a
		// duplicate. While Outgoing it means both sides dialled each other,
		// and that gets busy like anyone else.
		if msg.From == m.peer && m.state != StateOutgoing {
			m.ignore(msg)
			return
		}
		// One inbound attempt at a time: anyone else gets busy.
		err := m.transport.Send(m.ctx, models.SignalMessage{
			Type:   models.TypeCallReject,
			To:     msg.From,
			Reason: models.ReasonBusy,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("to", msg.From).Msg("busy reject failed")
		}
		log.Info().Str("module", "call").Str("from", msg.From).Msg("busy, rejected call-request")
		return
	}
	if !kind.Valid() || msg.From == "" {
		m.ignore(msg)
		return
	}
	m.enter(StateIncoming, msg.From, kind)
	m.emit(Event{Type: EventIncoming, Peer: msg.From, CallKind: kind, Details: msg.Data})
}

func (m *Machine) onCallError(msg models.SignalMessage) {
	if m.state == StateIdle {
		m.ignore(msg)
		return
	}
	// The relay names the target it failed to reach; older servers may not.
	if msg.To != "" && msg.To != m.peer {
		m.ignore(msg)
		return
	}
	switch msg.Reason {
	case models.ReasonTargetNotRegistered:
		m.toIdle(OutcomeOffline, msg.Reason)
	case models.ReasonRateLimited, models.ReasonNotRegistered, models.ReasonNotAuthorized:
		if m.state == StateOutgoing {
			m.toIdle(OutcomeError, msg.Reason)
			return
		}
		m.ignore(msg)
	default:
		m.ignore(msg)
	}
}

func (m *Machine) onRingTimeout() {
	m.ringC = nil
	switch m.state {
	case StateOutgoing:
		err := m.transport.Send(m.ctx, models.SignalMessage{
			Type:   models.TypeCallEnd,
			To:     m.peer,
			Reason: models.ReasonUnanswered,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("to", m.peer).Msg("unanswered call-end failed")
		}
		m.toIdle(OutcomeUnanswered, models.ReasonUnanswered)
	case StateIncoming:
		m.toIdle(OutcomeMissed, models.ReasonUnanswered)
	}
}

func (m *Machine) ignore(msg models.SignalMessage) {
	log.Warn().Str("module", "call").Str("type", string(msg.Type)).Str("from", msg.From).
		Str("reason", msg.Reason).Str("state", m.state.String()).Msg("inbound ignored in current state")
}

func (m *Machine) enter(s State, peer string, kind models.CallKind) {
	prev := m.state
	m.stopRing()
	m.state, m.peer, m.kind = s, peer, kind
	if s.Ringing() {
		m.ring = time.NewTimer(m.ringTimeout)
		m.ringC = m.ring.C
	}

	m.statusMu.Lock()
	m.status = Status{State: s, Peer: peer, CallKind: kind}
	m.statusMu.Unlock()

	log.Info().Str("module", "call").Str("from_state", prev.String()).Str("to_state", s.String()).
		Str("peer", peer).Msg("transition")
}

func (m *Machine) toIdle(outcome Outcome, reason string) {
	peer, kind := m.peer, m.kind
	m.enter(StateIdle, "", "")
	m.emit(Event{Type: EventTerminated, Peer: peer, CallKind: kind, Outcome: outcome, Reason: reason})
}

func (m *Machine) stopRing() {
	if m.ring != nil {
		m.ring.Stop()
		m.ring = nil
	}
	m.ringC = nil
}

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}
