package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/call-signaling/internal/models"
)

// SendOffer relays a local offer to the current peer.
func (m *Machine) SendOffer(ctx context.Context, sd webrtc.SessionDescription) error {
	if sd.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %s", ErrInvalidSignalKind, sd.Type)
	}
	return m.sendJSONSignal(ctx, models.SignalOffer, sd)
}

// SendAnswer relays a local answer to the current peer.
func (m *Machine) SendAnswer(ctx context.Context, sd webrtc.SessionDescription) error {
	if sd.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrInvalidSignalKind, sd.Type)
	}
	return m.sendJSONSignal(ctx, models.SignalAnswer, sd)
}

// SendICECandidate relays a locally gathered candidate to the current peer.
func (m *Machine) SendICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	return m.sendJSONSignal(ctx, models.SignalICECandidate, c)
}

func (m *Machine) sendJSONSignal(ctx context.Context, kind models.SignalKind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	return m.SendSignal(ctx, kind, data)
}

// SessionDescription decodes the payload of an offer or answer signal event.
func (ev Event) SessionDescription() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if ev.Type != EventSignal || (ev.SignalKind != models.SignalOffer && ev.SignalKind != models.SignalAnswer) {
		return sd, fmt.Errorf("%w: %s", ErrInvalidSignalKind, ev.SignalKind)
	}
	if err := json.Unmarshal(ev.Data, &sd); err != nil {
		return sd, fmt.Errorf("decode session description: %w", err)
	}
	return sd, nil
}

// ICECandidate decodes the payload of an ice-candidate signal event.
func (ev Event) ICECandidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if ev.Type != EventSignal || ev.SignalKind != models.SignalICECandidate {
		return c, fmt.Errorf("%w: %s", ErrInvalidSignalKind, ev.SignalKind)
	}
	if err := json.Unmarshal(ev.Data, &c); err != nil {
		return c, fmt.Errorf("decode ice candidate: %w", err)
	}
	return c, nil
}
