package olm

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/util/memzero"
)

const maxSkippedKeys = 1000

// Encrypt advances the sending chain and returns the wire message. Pre-key
// bootstrap fields ride along until the responder's first reply arrives.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	// Responder's first send after only receiving: step the DH ratchet to
	// open a sending chain.
	if len(s.SendCK) == 0 {
		if err := s.stepSendChain(); err != nil {
			return Message{}, err
		}
	}

	mk, err := s.nextSendKey()
	if err != nil {
		return Message{}, err
	}
	defer memzero.Zero(mk)

	h := Header{RatchetKey: s.DHPub.Slice(), PrevChainLen: s.PN, Index: s.Ns}
	ct, err := seal(mk, h, s.ad(), plaintext)
	if err != nil {
		return Message{}, err
	}
	s.Ns++

	msg := Message{Header: h, Ciphertext: ct}
	if s.PreKey != nil {
		msg.IdentityKey = s.PreKey.IdentityKey.B64()
		msg.EphemeralKey = s.PreKey.EphemeralKey.B64()
		msg.OneTimeKeyID = s.PreKey.OneTimeKeyID
	}
	return msg, nil
}

// Decrypt opens a message, consuming a skipped key or stepping the DH
// ratchet when the header carries a new remote ratchet key.
func (s *Session) Decrypt(msg Message) ([]byte, error) {
	if len(msg.Header.RatchetKey) != 32 {
		return nil, ErrBadMessage
	}
	var remote domain.Curve25519Public
	copy(remote[:], msg.Header.RatchetKey)

	if remote == s.PeerDHPub {
		s.skipUntil(msg.Header.Index)
		if mk, ok := s.Skipped[skippedKeyID(remote, msg.Header.Index)]; ok {
			delete(s.Skipped, skippedKeyID(remote, msg.Header.Index))
			pt, err := open(mk, msg.Header, s.ad(), msg.Ciphertext)
			memzero.Zero(mk)
			if err != nil {
				return nil, err
			}
			if msg.Header.Index+1 > s.Nr {
				s.Nr = msg.Header.Index + 1
			}
			s.settle()
			return pt, nil
		}
	} else {
		s.skipUntil(msg.Header.PrevChainLen)
		if err := s.stepRecvChain(remote); err != nil {
			return nil, err
		}
	}

	mk, err := s.nextRecvKey()
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, msg.Header, s.ad(), msg.Ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	s.Nr++
	s.settle()
	return pt, nil
}

// settle drops the pre-key bootstrap once any inbound message proves the
// peer holds the session.
func (s *Session) settle() {
	s.PreKey = nil
}

// ad binds ciphertexts to the session identity.
func (s *Session) ad() []byte {
	out := make([]byte, 0, len(s.ID)+32)
	out = append(out, []byte(s.ID)...)
	out = append(out, s.PeerKey[:]...)
	return out
}

// stepSendChain rotates our ratchet key and derives a fresh sending chain
// against the peer's current ratchet key.
func (s *Session) stepSendChain() error {
	s.PN = s.Ns
	s.Ns = 0

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(priv, s.PeerDHPub)
	if err != nil {
		return err
	}
	newRoot, sendCK := kdfRoot(s.RootKey, dh[:])
	memzero.Zero(dh[:])

	s.RootKey = newRoot
	s.DHPriv, s.DHPub = priv, pub
	s.SendCK = sendCK
	return nil
}

// stepRecvChain advances both chains for a newly seen remote ratchet key.
func (s *Session) stepRecvChain(remote domain.Curve25519Public) error {
	dh, err := crypto.DH(s.DHPriv, remote)
	if err != nil {
		return err
	}
	rootAfterRecv, recvCK := kdfRoot(s.RootKey, dh[:])
	memzero.Zero(dh[:])

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(priv, remote)
	if err != nil {
		return err
	}
	rootAfterSend, sendCK := kdfRoot(rootAfterRecv, dh2[:])
	memzero.Zero(dh2[:])

	s.PN = s.Ns
	s.Ns, s.Nr = 0, 0
	s.RootKey = rootAfterSend
	s.DHPriv, s.DHPub = priv, pub
	s.PeerDHPub = remote
	s.SendCK, s.RecvCK = sendCK, recvCK
	return nil
}

func (s *Session) nextSendKey() ([]byte, error) {
	if len(s.SendCK) == 0 {
		return nil, ErrNoSendChain
	}
	next, mk := kdfChain(s.SendCK)
	s.SendCK = next
	return mk, nil
}

func (s *Session) nextRecvKey() ([]byte, error) {
	if len(s.RecvCK) == 0 {
		return nil, ErrNoRecvChain
	}
	next, mk := kdfChain(s.RecvCK)
	s.RecvCK = next
	return mk, nil
}

// skipUntil derives and stores message keys up to index with a hard cap.
func (s *Session) skipUntil(index uint32) {
	for s.Nr < index && len(s.RecvCK) > 0 {
		mk, err := s.nextRecvKey()
		if err != nil {
			return
		}
		if len(s.Skipped) >= maxSkippedKeys {
			for k := range s.Skipped {
				delete(s.Skipped, k)
				break
			}
		}
		s.Skipped[skippedKeyID(s.PeerDHPub, s.Nr)] = mk
		s.Nr++
	}
}

func skippedKeyID(peer domain.Curve25519Public, n uint32) string {
	b := make([]byte, 36)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// --- KDFs and AEAD ---

func kdfRoot(root, dh []byte) (newRoot, chainKey []byte) {
	r := hkdf.New(sha256.New, dh, root, []byte("roomcrypt-olm-rk"))
	newRoot = make([]byte, 32)
	chainKey = make([]byte, 32)
	_, _ = io.ReadFull(r, newRoot)
	_, _ = io.ReadFull(r, chainKey)
	return
}

func kdfChain(ck []byte) (next, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("roomcrypt-olm-ck"))
	next = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, mk)
	return
}

func seal(mk []byte, h Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], h.Index)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(h)...)), nil
}

func open(mk []byte, h Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], h.Index)
	return aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(h)...))
}

func headerBytes(h Header) []byte {
	out := make([]byte, 0, len(h.RatchetKey)+8)
	out = append(out, h.RatchetKey...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PrevChainLen)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.Index)
	out = append(out, b[:]...)
	return out
}
