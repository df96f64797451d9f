package models

import "time"

// InvitationStatus is monotone: calling is the only non-terminal value.
type InvitationStatus string

const (
	StatusCalling   InvitationStatus = "calling"
	StatusAccepted  InvitationStatus = "accepted"
	StatusRejected  InvitationStatus = "rejected"
	StatusCancelled InvitationStatus = "cancelled"
	StatusExpired   InvitationStatus = "expired"
)

func (s InvitationStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Invitation is the durable record of a call attempt on the ledger path.
type Invitation struct {
	ID             string           `json:"id"`
	ChatID         string           `json:"chatId"`
	CallerIdentity string           `json:"callerIdentity"`
	CallerName     string           `json:"callerName"`
	CallerPhoto    string           `json:"callerPhoto,omitempty"`
	CalleeIdentity string           `json:"calleeIdentity"`
	CallKind       CallKind         `json:"callKind"`
	RoomToken      string           `json:"roomToken"`
	Status         InvitationStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// CreateInvitationRequest is the request body for POST /api/invitations.
type CreateInvitationRequest struct {
	ChatID         string   `json:"chatId" binding:"required"`
	CalleeIdentity string   `json:"calleeIdentity" binding:"required"`
	CallerName     string   `json:"callerName"`
	CallerPhoto    string   `json:"callerPhoto,omitempty"`
	CallKind       CallKind `json:"callKind" binding:"required,oneof=audio video"`
}

// CreateInvitationResponse is the response for creating an invitation.
type CreateInvitationResponse struct {
	ID        string `json:"id"`
	RoomToken string `json:"roomToken"`
}

// InvitationEvent is pushed to ledger subscribers.
type InvitationEvent struct {
	ID     string           `json:"id"`
	Status InvitationStatus `json:"status"`
	// Invitation is set on creation events only.
	Invitation *Invitation `json:"invitation,omitempty"`
}
