package backup

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/util/memzero"
)

const kdfLabel = "roomcrypt-backup-v1"

// sealSession encrypts an exported session under the backup recovery public
// key: a fresh ephemeral X25519 key agrees with the recovery key, the shared
// secret feeds HKDF, and the derived key seals the session JSON.
func sealSession(recoveryPub domain.Curve25519Public, exported domain.ExportedSession) (domain.EncryptedSessionData, error) {
	plaintext, err := json.Marshal(exported)
	if err != nil {
		return domain.EncryptedSessionData{}, err
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.EncryptedSessionData{}, err
	}
	key, err := deriveKey(ephPriv, recoveryPub, ephPub)
	if err != nil {
		return domain.EncryptedSessionData{}, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.EncryptedSessionData{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return domain.EncryptedSessionData{}, err
	}
	ct := aead.Seal(nonce, nonce, plaintext, ephPub.Slice())
	return domain.EncryptedSessionData{
		Ephemeral:  ephPub.B64(),
		Ciphertext: crypto.B64(ct),
	}, nil
}

// openSession reverses sealSession with the private recovery key.
func openSession(recoveryPriv domain.Curve25519Private, data domain.EncryptedSessionData) (domain.ExportedSession, error) {
	ephPub, ok := domain.Curve25519FromB64(data.Ephemeral)
	if !ok {
		return domain.ExportedSession{}, errs.New(errs.CodeBadMessage, "malformed ephemeral key in backup blob")
	}
	ct, err := crypto.FromB64(data.Ciphertext)
	if err != nil {
		return domain.ExportedSession{}, errs.Wrap(errs.CodeBadMessage, "malformed backup ciphertext", err)
	}

	key, err := deriveKey(recoveryPriv, ephPub, ephPub)
	if err != nil {
		return domain.ExportedSession{}, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.ExportedSession{}, err
	}
	if len(ct) < aead.NonceSize() {
		return domain.ExportedSession{}, errs.New(errs.CodeBadMessage, "backup ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ct[:aead.NonceSize()], ct[aead.NonceSize():], ephPub.Slice())
	if err != nil {
		return domain.ExportedSession{}, errs.Wrap(errs.CodeBadRecoveryKey, "backup blob did not open", err)
	}

	var exported domain.ExportedSession
	if err := json.Unmarshal(plaintext, &exported); err != nil {
		return domain.ExportedSession{}, errs.Wrap(errs.CodeBadMessage, "decode backup session", err)
	}
	return exported, nil
}

// deriveKey runs the ECDH agreement and expands it into an AEAD key. The
// ephemeral public key salts the derivation so identical sessions never
// share a key.
func deriveKey(priv domain.Curve25519Private, pub, eph domain.Curve25519Public) ([]byte, error) {
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared[:])

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared[:], eph.Slice(), []byte(kdfLabel))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
