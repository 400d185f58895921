package types

// UserID identifies a user on the federation, e.g. "@alice:example.org".
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// DeviceID identifies one device belonging to a user.
type DeviceID string

// String returns the string form of the device identifier.
func (d DeviceID) String() string { return string(d) }

// RoomID identifies a room, e.g. "!abc:example.org".
type RoomID string

// String returns the string form of the room identifier.
func (r RoomID) String() string { return string(r) }

// SessionID identifies a pairwise or group ratchet session.
type SessionID string

// String returns the string form of the session identifier.
func (s SessionID) String() string { return string(s) }

// RequestID identifies an outgoing or incoming key-share request.
type RequestID string

// String returns the string form of the request identifier.
func (r RequestID) String() string { return string(r) }

// EventID identifies a room event.
type EventID string

// String returns the string form of the event identifier.
func (e EventID) String() string { return string(e) }

// Algorithm selects the encryption scheme for a room or session. The set is
// closed: pairwise double-ratchet channels and group forward-secret sessions.
type Algorithm string

const (
	AlgorithmOlm    Algorithm = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm Algorithm = "m.megolm.v1.aes-sha2"
)
