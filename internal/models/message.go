package models

import "encoding/json"

// MessageType is the "type" discriminator of every control-plane frame.
type MessageType string

const (
	// client -> server
	TypeRegister       MessageType = "register"
	TypeGetOnlineUsers MessageType = "get-online-users"

	// server -> client
	TypeRegistered  MessageType = "registered"
	TypeOnlineUsers MessageType = "online-users"
	TypeCallError   MessageType = "call-error"

	// routed: client -> server -> client
	TypeCallRequest MessageType = "call-request"
	TypeCallAccept  MessageType = "call-accept"
	TypeCallReject  MessageType = "call-reject"
	TypeCallEnd     MessageType = "call-end"
	TypeSignal      MessageType = "signal"
)

// Routed reports whether the relay forwards this type to the "to" identity.
func (t MessageType) Routed() bool {
	switch t {
	case TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallEnd, TypeSignal:
		return true
	}
	return false
}

// SignalKind is the sub-kind carried by a "signal" frame.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// CallKind is the media kind of a call attempt.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// Error reason codes sent in call-error and carried in call-reject/call-end.
const (
	ReasonTargetNotRegistered = "target-not-registered"
	ReasonNotRegistered       = "not-registered"
	ReasonNotAuthorized       = "not-authorized"
	ReasonBadPayload          = "bad-payload"
	ReasonRateLimited         = "rate-limited"
	ReasonReplaced            = "replaced"
	ReasonBusy                = "busy"
	ReasonUnanswered          = "unanswered"
)

// SignalMessage is the single JSON frame exchanged over the signaling socket.
// Kind holds the CallKind for call-request and the SignalKind for signal.
// Data is opaque to the server and forwarded byte for byte.
type SignalMessage struct {
	Type   MessageType     `json:"type"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
	UserID string          `json:"userId,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Users  []string        `json:"users,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// MarshalJSON always writes "users" on online-users frames, even when nobody
// is online.
func (m SignalMessage) MarshalJSON() ([]byte, error) {
	type plain SignalMessage
	if m.Type != TypeOnlineUsers {
		return json.Marshal(plain(m))
	}
	users := m.Users
	if users == nil {
		users = []string{}
	}
	return json.Marshal(struct {
		plain
		Users []string `json:"users"`
	}{plain(m), users})
}

// CallError builds the server's routing/validation failure reply.
func CallError(reason, to string) SignalMessage {
	return SignalMessage{Type: TypeCallError, Reason: reason, To: to}
}
