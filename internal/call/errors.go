package call

import "errors"

var (
	// ErrNotIdle indicates a call was initiated while another is in progress.
	ErrNotIdle = errors.New("a call is already in progress")

	// ErrInvalidState indicates an action was attempted from a state that
	// forbids it, e.g. accepting with no incoming call.
	ErrInvalidState = errors.New("invalid state for this action")

	// ErrInvalidCallKind indicates a call kind other than audio or video.
	ErrInvalidCallKind = errors.New("invalid call kind")

	// ErrInvalidSignalKind indicates a signal kind other than offer, answer
	// or ice-candidate.
	ErrInvalidSignalKind = errors.New("invalid signal kind")

	// ErrTransportClosed indicates the transport's inbound stream ended.
	ErrTransportClosed = errors.New("transport closed")

	// ErrStopped indicates the machine's Run loop is no longer running.
	ErrStopped = errors.New("call machine stopped")
)
