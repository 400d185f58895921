package types

import "encoding/json"

// To-device and room event types consumed or produced by the engine.
const (
	EventRoomKey          = "m.room_key"
	EventForwardedRoomKey = "m.forwarded_room_key"
	EventRoomKeyRequest   = "m.room_key_request"
	EventRoomKeyWithheld  = "m.room_key.withheld"
	EventEncrypted        = "m.room.encrypted"
)

// ToDeviceEvent is a decoded direct device-to-device event from the sync
// feed. Content is left raw; each handler decodes the shape it expects.
type ToDeviceEvent struct {
	Type      string           `json:"type"`
	Sender    UserID           `json:"sender"`
	SenderKey Curve25519Public `json:"sender_key,omitempty"`
	Content   json.RawMessage  `json:"content"`
}

// EncryptedEvent is an encrypted room event awaiting decryption.
type EncryptedEvent struct {
	RoomID    RoomID          `json:"room_id"`
	EventID   EventID         `json:"event_id"`
	Sender    UserID          `json:"sender"`
	Algorithm Algorithm       `json:"algorithm"`
	SenderKey string          `json:"sender_key"`
	SessionID SessionID       `json:"session_id"`
	DeviceID  DeviceID        `json:"device_id,omitempty"`
	Ciphertext []byte         `json:"ciphertext"`
}

// DecryptionSource records how we obtained the key that decrypted an event.
type DecryptionSource int

const (
	SourceDirect DecryptionSource = iota // shared to us by the creator
	SourceForwarded                      // gossiped through other devices
	SourceBackup                         // restored from key backup
)

// DecryptionResult is the typed outcome of decryptRoomEvent. Exactly one of
// Plaintext, Withheld or Err is meaningful; protocol-level failures are
// in-band, never panics.
type DecryptionResult struct {
	Plaintext []byte
	// ClearEventType is the decrypted event type, when Plaintext is set.
	ClearEventType string
	// Source and Trusted describe key provenance, when Plaintext is set.
	Source  DecryptionSource
	Trusted bool
	// Withheld explains a peer's refusal, when the key was withheld.
	Withheld *WithheldRecord
	// Err holds UnknownInboundSession, Replay or a hard failure.
	Err error
}

// MembershipChange is a room membership delta from the sync feed, used for
// outbound session rotation decisions.
type MembershipChange struct {
	RoomID RoomID   `json:"room_id"`
	Joined []UserID `json:"joined,omitempty"`
	Left   []UserID `json:"left,omitempty"`
}
