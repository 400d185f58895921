package types

// OutboundGroupSession is the sender-side group ratchet for one room.
// SharedWith is the authoritative record of the share decision taken for
// each device (key delivered, or explicitly withheld) and the ratchet index
// at decision time, keyed by Device.Key().
type OutboundGroupSession struct {
	RoomID       RoomID            `json:"room_id"`
	SessionID    SessionID         `json:"session_id"`
	Pickle       []byte            `json:"pickle"`
	MessageCount uint32            `json:"message_count"`
	CreatedAt    int64             `json:"created_at"`
	SharedWith   map[string]uint32 `json:"shared_with"`
}

// InboundGroupSession is one receiver-side group ratchet, keyed by
// (RoomID, SenderKey, SessionID). The ratchet only ever advances; imports
// may extend history backward but never roll the live state forward.
type InboundGroupSession struct {
	RoomID          RoomID           `json:"room_id"`
	SenderKey       Curve25519Public `json:"sender_key"`
	SessionID       SessionID        `json:"session_id"`
	Pickle          []byte           `json:"pickle"`
	FirstKnownIndex uint32           `json:"first_known_index"`
	// ForwardingChain lists the curve25519 keys of devices that relayed
	// this session to us; empty when it came straight from the creator.
	ForwardingChain []string `json:"forwarding_chain,omitempty"`
	// SenderClaimedEd25519 is the signing key the sender claimed when the
	// session was shared; unverifiable for forwarded sessions.
	SenderClaimedEd25519 string `json:"sender_claimed_ed25519,omitempty"`
	// TrustedSource is false for sessions that arrived by gossip from an
	// unverified device or a forwarding chain; their decrypts carry a
	// lower provenance.
	TrustedSource bool `json:"trusted_source"`
	// Source records how the key reached this device.
	Source   DecryptionSource `json:"source"`
	BackedUp bool             `json:"backed_up"`
}

// InboundKey returns the canonical store key for an inbound session.
func (s InboundGroupSession) InboundKey() string {
	return string(s.RoomID) + "|" + s.SenderKey.B64() + "|" + string(s.SessionID)
}

// RoomKeyContent is the to-device payload sharing a group session key.
type RoomKeyContent struct {
	Algorithm  Algorithm `json:"algorithm"`
	RoomID     RoomID    `json:"room_id"`
	SessionID  SessionID `json:"session_id"`
	SessionKey string    `json:"session_key"`
	ChainIndex uint32    `json:"chain_index"`
}

// ForwardedRoomKeyContent relays a previously received session key to a
// requesting device, extending the forwarding chain by one hop.
type ForwardedRoomKeyContent struct {
	Algorithm            Algorithm `json:"algorithm"`
	RoomID               RoomID    `json:"room_id"`
	SenderKey            string    `json:"sender_key"`
	SessionID            SessionID `json:"session_id"`
	SessionKey           string    `json:"session_key"`
	ChainIndex           uint32    `json:"chain_index"`
	ForwardingKeyChain   []string  `json:"forwarding_curve25519_key_chain"`
	SenderClaimedEd25519 string    `json:"sender_claimed_ed25519_key"`
}

// ExportedSession is the cleartext form of an inbound session used by key
// backup and by passphrase-protected export files.
type ExportedSession struct {
	Algorithm            Algorithm `json:"algorithm"`
	RoomID               RoomID    `json:"room_id"`
	SenderKey            string    `json:"sender_key"`
	SessionID            SessionID `json:"session_id"`
	SessionKey           string    `json:"session_key"`
	FirstKnownIndex      uint32    `json:"first_known_index"`
	ForwardingKeyChain   []string  `json:"forwarding_curve25519_key_chain,omitempty"`
	SenderClaimedEd25519 string    `json:"sender_claimed_keys_ed25519,omitempty"`
}
