package ledger

import "errors"

var (
	// ErrNotFound indicates no invitation exists with the given id.
	ErrNotFound = errors.New("invitation not found")

	// ErrAlreadyResolved indicates another writer moved the invitation out of
	// "calling" first. The losing transition was not applied.
	ErrAlreadyResolved = errors.New("call already resolved")

	// ErrInvalidInvitation indicates a create request is missing required fields.
	ErrInvalidInvitation = errors.New("invalid invitation")
)
