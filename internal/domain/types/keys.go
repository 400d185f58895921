package types

import "encoding/base64"

// Curve25519Public is a device identity or ratchet public key.
type Curve25519Public [32]byte

// Slice returns the key as a byte slice.
func (k Curve25519Public) Slice() []byte { return k[:] }

// B64 returns the unpadded base64 form used on the wire.
func (k Curve25519Public) B64() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

// Curve25519Private is the private half of a Curve25519 key pair.
type Curve25519Private [32]byte

// Slice returns the key as a byte slice.
func (k Curve25519Private) Slice() []byte { return k[:] }

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a byte slice.
func (k Ed25519Public) Slice() []byte { return k[:] }

// B64 returns the unpadded base64 form used on the wire.
func (k Ed25519Public) B64() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

// Ed25519Private is a signing private key in the stdlib 64-byte seed+pub form.
type Ed25519Private [64]byte

// Slice returns the key as a byte slice.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Curve25519FromB64 parses an unpadded base64 public key.
func Curve25519FromB64(s string) (Curve25519Public, bool) {
	var k Curve25519Public
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(b) != 32 {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// Ed25519FromB64 parses an unpadded base64 signing public key.
func Ed25519FromB64(s string) (Ed25519Public, bool) {
	var k Ed25519Public
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(b) != 32 {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// Signatures maps signing user to key identifier ("ed25519:DEVICEID" or
// "ed25519:<base64 master key>") to an unpadded base64 signature.
type Signatures map[UserID]map[string]string

// Get returns the signature made by the given user with the given key id.
func (s Signatures) Get(user UserID, keyID string) (string, bool) {
	m, ok := s[user]
	if !ok {
		return "", false
	}
	sig, ok := m[keyID]
	return sig, ok
}

// Set records a signature, allocating nested maps as needed.
func (s Signatures) Set(user UserID, keyID, sig string) {
	m, ok := s[user]
	if !ok {
		m = make(map[string]string)
		s[user] = m
	}
	m[keyID] = sig
}
