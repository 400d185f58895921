package types

// RequestState is the lifecycle of a key-share request.
//
//	Unsent -> Sent -> {Accepted | Rejected | Cancelled | TimedOut}
//
// Accepted is terminal and idempotent: duplicate accepts are no-ops, and a
// cancel after accept cannot recall the key.
type RequestState int

const (
	RequestUnsent RequestState = iota
	RequestSent
	RequestAccepted
	RequestRejected
	RequestCancelled
	RequestTimedOut
)

// String returns a short label for logging and diagnostics.
func (s RequestState) String() string {
	switch s {
	case RequestUnsent:
		return "unsent"
	case RequestSent:
		return "sent"
	case RequestAccepted:
		return "accepted"
	case RequestRejected:
		return "rejected"
	case RequestCancelled:
		return "cancelled"
	case RequestTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Terminal reports whether no further transition is allowed.
func (s RequestState) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected || s == RequestCancelled || s == RequestTimedOut
}

// GossipRequest is one outgoing or incoming "please share this session"
// request.
type GossipRequest struct {
	RequestID   RequestID        `json:"request_id"`
	RoomID      RoomID           `json:"room_id"`
	SenderKey   Curve25519Public `json:"sender_key"`
	SessionID   SessionID        `json:"session_id"`
	Requester   UserID           `json:"requester"`
	RequesterDevice DeviceID     `json:"requester_device"`
	Outgoing    bool             `json:"outgoing"`
	State       RequestState     `json:"state"`
	Attempts    int              `json:"attempts"`
	CreatedAt   int64            `json:"created_at"`
	UpdatedAt   int64            `json:"updated_at"`
}

// RoomKeyRequestContent is the to-device wire form of a key request or its
// cancellation.
type RoomKeyRequestContent struct {
	Action             string    `json:"action"` // "request" or "request_cancellation"
	RequestID          RequestID `json:"request_id"`
	RequestingDeviceID DeviceID  `json:"requesting_device_id"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
}

// RoomKeyRequestBody identifies the session being requested.
type RoomKeyRequestBody struct {
	Algorithm Algorithm `json:"algorithm"`
	RoomID    RoomID    `json:"room_id"`
	SenderKey string    `json:"sender_key"`
	SessionID SessionID `json:"session_id"`
}

// WithheldCode explains why a key was not shared.
type WithheldCode string

const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldNotJoined    WithheldCode = "m.not_joined"
	WithheldUnavailable  WithheldCode = "m.unavailable"
)

// WithheldRecord documents, locally and toward the peer, an explicit refusal
// to share a session key.
type WithheldRecord struct {
	RoomID       RoomID           `json:"room_id"`
	SessionID    SessionID        `json:"session_id"`
	SenderKey    Curve25519Public `json:"sender_key"`
	TargetUser   UserID           `json:"target_user"`
	TargetDevice DeviceID         `json:"target_device"`
	Code         WithheldCode     `json:"code"`
	Reason       string           `json:"reason,omitempty"`
	CreatedAt    int64            `json:"created_at"`
}

// RoomKeyWithheldContent is the to-device wire form of a withheld notice.
type RoomKeyWithheldContent struct {
	Algorithm Algorithm    `json:"algorithm"`
	RoomID    RoomID       `json:"room_id"`
	SessionID SessionID    `json:"session_id"`
	SenderKey string       `json:"sender_key"`
	Code      WithheldCode `json:"code"`
	Reason    string       `json:"reason,omitempty"`
}
