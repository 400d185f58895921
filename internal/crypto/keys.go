package crypto

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"roomcrypt/internal/domain"
)

// GenerateX25519 returns a fresh clamped Curve25519 key pair.
func GenerateX25519() (domain.Curve25519Private, domain.Curve25519Public, error) {
	var priv domain.Curve25519Private
	var pub domain.Curve25519Public
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	Clamp(&priv)
	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// Clamp applies the X25519 private-key clamping in place.
func Clamp(priv *domain.Curve25519Private) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// PublicOf derives the Curve25519 public key for a private key.
func PublicOf(priv domain.Curve25519Private) (domain.Curve25519Public, error) {
	var pub domain.Curve25519Public
	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pubBytes)
	return pub, nil
}

// DH computes the shared secret between priv and pub.
func DH(priv domain.Curve25519Private, pub domain.Curve25519Public) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

// GenerateEd25519 returns a fresh signing key pair.
func GenerateEd25519() (domain.Ed25519Private, domain.Ed25519Public, error) {
	var priv domain.Ed25519Private
	var pub domain.Ed25519Public
	p, s, err := stded25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], s)
	copy(pub[:], p)
	return priv, pub, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(priv domain.Ed25519Private, message []byte) []byte {
	return stded25519.Sign(stded25519.PrivateKey(priv.Slice()), message)
}

// Verify reports whether sig is a valid signature of message under pub.
func Verify(pub domain.Ed25519Public, message, sig []byte) bool {
	if len(sig) != stded25519.SignatureSize {
		return false
	}
	return stded25519.Verify(stded25519.PublicKey(pub.Slice()), message, sig)
}
