// Package crosssigning computes device and user trust from the published
// signature graph.
package crosssigning

import (
	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

// Service walks the cross-signing trust graph.
//
// The graph is anchored at master keys marked locally trusted: our own after
// setup, or a peer's after out-of-band verification. From a trusted master
// key, trust flows through the self-signing key to the user's devices, and
// through our user-signing key to other users' master keys.
//
// Both computations are pure functions of the stored signed data; nothing
// here mutates state or touches the network.
type Service struct {
	store   domain.Store
	ownUser domain.UserID
}

// New constructs a trust engine for the given local user.
func New(store domain.Store, ownUser domain.UserID) *Service {
	return &Service{store: store, ownUser: ownUser}
}

var _ domain.TrustEngine = (*Service)(nil)

// DeviceTrust returns the effective trust of a device.
//
// A manual decision (verified or blocked) always wins. Otherwise the device
// is verified when its owner's master key is trusted, the self-signing key is
// validly signed by that master key, and the device keys carry a valid
// self-signing signature.
func (s *Service) DeviceTrust(device domain.Device) domain.TrustLevel {
	if device.Trust == domain.TrustBlocked || device.Trust == domain.TrustVerified {
		return device.Trust
	}
	if device.Tombstoned {
		return domain.TrustUnverified
	}

	keys, ok, err := s.store.CrossSigningKeys(device.UserID)
	if err != nil || !ok {
		return domain.TrustUnverified
	}
	if !s.masterTrusted(keys) {
		return domain.TrustUnverified
	}
	if !selfSigningValid(keys) {
		return domain.TrustUnverified
	}

	sig, ok := device.Signatures.Get(device.UserID, "ed25519:"+keys.SelfSigning.B64())
	if !ok {
		return domain.TrustUnverified
	}
	if !verifyB64(keys.SelfSigning, deviceSignable(device), sig) {
		return domain.TrustUnverified
	}
	return domain.TrustVerified
}

// UserTrusted reports whether a user's master key is trusted, directly or via
// our user-signing key.
func (s *Service) UserTrusted(userID domain.UserID) bool {
	keys, ok, err := s.store.CrossSigningKeys(userID)
	if err != nil || !ok {
		return false
	}
	return s.masterTrusted(keys)
}

// masterTrusted reports whether a master key is a local anchor or carries a
// valid signature from our own user-signing key.
func (s *Service) masterTrusted(keys domain.CrossSigningKeys) bool {
	if keys.LocallyTrusted {
		return true
	}
	if keys.UserID == s.ownUser {
		// Our own identity is only ever trusted by the local anchor.
		return false
	}

	own, ok, err := s.store.CrossSigningKeys(s.ownUser)
	if err != nil || !ok || !own.LocallyTrusted {
		return false
	}
	if !userSigningValid(own) {
		return false
	}
	sig, ok := keys.MasterSignatures.Get(s.ownUser, "ed25519:"+own.UserSigning.B64())
	if !ok {
		return false
	}
	return verifyB64(own.UserSigning, keys.MasterKey.Slice(), sig)
}

// selfSigningValid checks the master key's signature over the self-signing
// key.
func selfSigningValid(keys domain.CrossSigningKeys) bool {
	if keys.SelfSigningSignature == "" {
		return false
	}
	return verifyB64(keys.MasterKey, keys.SelfSigning.Slice(), keys.SelfSigningSignature)
}

// userSigningValid checks the master key's signature over the user-signing
// key.
func userSigningValid(keys domain.CrossSigningKeys) bool {
	if keys.UserSigningSignature == "" {
		return false
	}
	return verifyB64(keys.MasterKey, keys.UserSigning.Slice(), keys.UserSigningSignature)
}

// deviceSignable is the canonical byte string a self-signing signature
// covers: the device's identity and signing keys bound to its ids.
func deviceSignable(device domain.Device) []byte {
	s := device.UserID.String() + "|" + device.DeviceID.String() + "|" +
		device.IdentityKey.B64() + "|" + device.SigningKey.B64()
	return []byte(s)
}

func verifyB64(pub domain.Ed25519Public, message []byte, sigB64 string) bool {
	sig, err := crypto.FromB64(sigB64)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, message, sig)
}
