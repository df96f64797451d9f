// Package relay forwards routed signaling frames to the connection registered
// for their target identity. It never inspects Data and never broadcasts.
package relay

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
)

type Relay struct {
	reg     *registry.Registry
	limiter *RateLimiter
}

// New builds a relay over reg. limiter may be nil to disable call-request
// rate limiting.
func New(reg *registry.Registry, limiter *RateLimiter) *Relay {
	return &Relay{reg: reg, limiter: limiter}
}

// Forward delivers msg, tagged with From = sender, to the connection
// registered for msg.To. It does not queue, retry or persist: an absent target
// yields ErrTargetNotRegistered and zero deliveries.
//
// Per-target ordering follows from each connection owning a single FIFO send
// queue and each sender being served by a single read loop.
func (r *Relay) Forward(sender string, msg models.SignalMessage) error {
	if !msg.Type.Routed() {
		return fmt.Errorf("%w: %s", ErrNotRoutable, msg.Type)
	}
	if msg.To == "" {
		return ErrMissingTarget
	}
	if msg.Type == models.TypeCallRequest && r.limiter != nil && !r.limiter.Allow(sender) {
		log.Warn().Str("module", "relay").Str("from", sender).Msg("call-request rate limited")
		return ErrRateLimited
	}

	target, ok := r.reg.Lookup(msg.To)
	if !ok {
		log.Info().Str("module", "relay").Str("from", sender).Str("to", msg.To).
			Str("type", string(msg.Type)).Msg("target not registered")
		return ErrTargetNotRegistered
	}

	out := msg
	out.From = sender
	if err := target.Send(out); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("from", sender).Str("to", msg.To).
			Str("type", string(msg.Type)).Msg("delivery failed")
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	log.Debug().Str("module", "relay").Str("from", sender).Str("to", msg.To).
		Str("type", string(msg.Type)).Msg("forwarded")
	return nil
}

// Forget releases per-sender state once sender disconnects.
func (r *Relay) Forget(sender string) {
	if r.limiter != nil {
		r.limiter.Forget(sender)
	}
}
