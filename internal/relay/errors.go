package relay

import (
	"errors"

	"github.com/mossy-p/call-signaling/internal/models"
)

var (
	// ErrTargetNotRegistered means no live connection is registered for the
	// target identity. Nothing was delivered.
	ErrTargetNotRegistered = errors.New("target not registered")

	// ErrMissingTarget means a routed message had an empty "to".
	ErrMissingTarget = errors.New("missing target")

	// ErrNotRoutable means the message type is not one the relay forwards.
	ErrNotRoutable = errors.New("message type is not routable")

	// ErrRateLimited means the sender exceeded its call-request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrDeliveryFailed means the target was found but its send queue refused
	// the frame.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Reason maps a Forward error to the call-error reason code reported to the
// sender.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTargetNotRegistered), errors.Is(err, ErrDeliveryFailed):
		return models.ReasonTargetNotRegistered
	case errors.Is(err, ErrRateLimited):
		return models.ReasonRateLimited
	default:
		return models.ReasonBadPayload
	}
}
