package types

// Account holds this device's long-term key material and unpublished
// one-time keys.
type Account struct {
	UserID       UserID               `json:"user_id"`
	DeviceID     DeviceID             `json:"device_id"`
	IdentityPriv Curve25519Private    `json:"identity_priv"`
	IdentityPub  Curve25519Public     `json:"identity_pub"`
	SigningPriv  Ed25519Private       `json:"signing_priv"`
	SigningPub   Ed25519Public        `json:"signing_pub"`
	OneTimeKeys  map[string]OneTimeKey `json:"one_time_keys"`
}

// OneTimeKey is a single-use Curve25519 pair published for session setup.
type OneTimeKey struct {
	ID        string            `json:"id"`
	Priv      Curve25519Private `json:"priv"`
	Pub       Curve25519Public  `json:"pub"`
	Published bool              `json:"published"`
}

// PairwiseSession is the persisted record of one double-ratchet channel with
// a peer device. The ratchet state itself is an opaque pickle owned by the
// olm protocol package.
type PairwiseSession struct {
	SessionID  SessionID        `json:"session_id"`
	PeerKey    Curve25519Public `json:"peer_key"`
	Pickle     []byte           `json:"pickle"`
	CreatedAt  int64            `json:"created_at"`
	LastUsedAt int64            `json:"last_used_at"`
	Active     bool             `json:"active"`
}

// OlmMessageType distinguishes session-establishing pre-key messages from
// normal ratchet messages.
type OlmMessageType int

const (
	OlmMessagePreKey OlmMessageType = 0
	OlmMessageNormal OlmMessageType = 1
)

// OlmEnvelope is the wire form of a pairwise-encrypted payload.
type OlmEnvelope struct {
	Type      OlmMessageType   `json:"type"`
	SenderKey Curve25519Public `json:"sender_key"`
	SessionID SessionID        `json:"session_id"`
	Body      []byte           `json:"body"`
}

// ClaimedOneTimeKey is the server's answer to a one-time key claim.
type ClaimedOneTimeKey struct {
	UserID   UserID           `json:"user_id"`
	DeviceID DeviceID         `json:"device_id"`
	KeyID    string           `json:"key_id"`
	Key      Curve25519Public `json:"key"`
}
