package types

// TrustLevel is the locally computed trust of a device or user.
type TrustLevel int

const (
	TrustUnverified TrustLevel = iota
	TrustVerified
	TrustBlocked
)

// String returns a short label for logging and diagnostics.
func (t TrustLevel) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlocked:
		return "blocked"
	default:
		return "unverified"
	}
}

// TrackingStatus records how fresh our copy of a user's device list is.
type TrackingStatus int

const (
	TrackingUnknown TrackingStatus = iota
	TrackingStale
	TrackingUpToDate
)

// Device is one device of one user, as learned from a key download.
//
// Identity keys are immutable for the lifetime of a device id; a key that
// changes on re-download is an anomaly, not an update. Removed devices are
// tombstoned, never deleted, so old traffic stays decryptable.
type Device struct {
	UserID      UserID           `json:"user_id"`
	DeviceID    DeviceID         `json:"device_id"`
	IdentityKey Curve25519Public `json:"identity_key"` // curve25519
	SigningKey  Ed25519Public    `json:"signing_key"`  // ed25519
	DisplayName string           `json:"display_name,omitempty"`
	Signatures  Signatures       `json:"signatures,omitempty"`
	Trust       TrustLevel       `json:"trust"`
	Tombstoned  bool             `json:"tombstoned"`
	FirstSeenAt int64            `json:"first_seen_at"`
}

// Key returns the canonical map key for this device.
func (d Device) Key() string {
	return d.UserID.String() + "/" + d.DeviceID.String()
}

// CrossSigningKeys holds a user's published signing keys.
//
// The master key anchors the user; the self-signing key signs the user's own
// devices; the user-signing key (private to the owner) signs other users'
// master keys.
type CrossSigningKeys struct {
	UserID      UserID        `json:"user_id"`
	MasterKey   Ed25519Public `json:"master_key"`
	SelfSigning Ed25519Public `json:"self_signing_key"`
	UserSigning Ed25519Public `json:"user_signing_key,omitempty"`
	// Signatures over the master key, keyed by signing user.
	MasterSignatures Signatures `json:"master_signatures,omitempty"`
	// Signatures over the self/user signing keys made by the master key.
	SelfSigningSignature string `json:"self_signing_signature,omitempty"`
	UserSigningSignature string `json:"user_signing_signature,omitempty"`
	// LocallyTrusted marks this master key as a trust anchor on this device
	// (our own identity after setup, or a peer verified out of band).
	LocallyTrusted bool `json:"locally_trusted"`
}
