// Package megolm implements the group forward-secret ratchet: one sender
// ratchet per room shared with many recipient devices. A chain key advances
// by HMAC per message; per-message keys and nonces derive from the chain key
// via HKDF; ciphertexts are signed with a per-session Ed25519 key so
// recipients can pin the creator.
//
// Inbound sessions keep the chain key at their first known index and replay
// the chain forward on demand, so importing an earlier chain key extends
// history backward without ever rolling the live state back.
package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/util/memzero"
)

var (
	ErrIndexTooOld  = errors.New("megolm: message index precedes first known index")
	ErrBadSignature = errors.New("megolm: signature check failed")
	ErrBadKey       = errors.New("megolm: malformed session key")
)

// Message is the signed wire form of one group-encrypted payload.
type Message struct {
	SessionID  domain.SessionID `json:"session_id"`
	Index      uint32           `json:"index"`
	Ciphertext []byte           `json:"ciphertext"`
	Signature  []byte           `json:"signature"`
}

// sessionKey is the serialized form of a share/export: the chain key at a
// given index plus the session signing public key.
type sessionKey struct {
	ChainIndex uint32 `json:"chain_index"`
	ChainKey   []byte `json:"chain_key"`
	SigningKey []byte `json:"signing_key"`
	// SigningPriv travels only in outbound pickles, never in exports.
	SigningPriv []byte `json:"signing_priv,omitempty"`
}

// Outbound is the sender-side ratchet. Not safe for concurrent use; the
// group session manager serializes per room.
type Outbound struct {
	ID       domain.SessionID
	chainKey []byte
	index    uint32
	signPriv domain.Ed25519Private
	signPub  domain.Ed25519Public
}

// NewOutbound creates a fresh group session with a random chain key and a
// dedicated signing key pair.
func NewOutbound() (*Outbound, error) {
	ck := make([]byte, 32)
	if _, err := rand.Read(ck); err != nil {
		return nil, err
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &Outbound{
		ID:       sessionIDFor(signPub),
		chainKey: ck,
		index:    0,
		signPriv: signPriv,
		signPub:  signPub,
	}, nil
}

// Index returns the next message index.
func (o *Outbound) Index() uint32 { return o.index }

// Encrypt seals plaintext at the current index, signs it and advances the
// chain.
func (o *Outbound) Encrypt(plaintext []byte) (Message, error) {
	mk, nonce, err := messageKey(o.chainKey, o.index)
	if err != nil {
		return Message{}, err
	}
	defer memzero.Zero(mk)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return Message{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(o.ID))

	msg := Message{SessionID: o.ID, Index: o.index, Ciphertext: ct}
	msg.Signature = crypto.Sign(o.signPriv, signedBytes(msg))

	o.chainKey = advance(o.chainKey)
	o.index++
	return msg, nil
}

// SessionKey exports the share for recipients at the current index: they can
// decrypt from here on but nothing earlier.
func (o *Outbound) SessionKey() (string, error) {
	raw, err := json.Marshal(sessionKey{
		ChainIndex: o.index,
		ChainKey:   o.chainKey,
		SigningKey: o.signPub.Slice(),
	})
	if err != nil {
		return "", err
	}
	return crypto.B64(raw), nil
}

// Pickle serializes the full outbound state including the signing secret.
func (o *Outbound) Pickle() ([]byte, error) {
	return json.Marshal(sessionKey{
		ChainIndex:  o.index,
		ChainKey:    o.chainKey,
		SigningKey:  o.signPub.Slice(),
		SigningPriv: o.signPriv.Slice(),
	})
}

// UnpickleOutbound restores an outbound session from its stored form.
func UnpickleOutbound(raw []byte) (*Outbound, error) {
	var sk sessionKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, err
	}
	if len(sk.ChainKey) != 32 || len(sk.SigningKey) != 32 || len(sk.SigningPriv) != 64 {
		return nil, ErrBadKey
	}
	o := &Outbound{chainKey: sk.ChainKey, index: sk.ChainIndex}
	copy(o.signPub[:], sk.SigningKey)
	copy(o.signPriv[:], sk.SigningPriv)
	o.ID = sessionIDFor(o.signPub)
	return o, nil
}

// Inbound is a receiver-side ratchet anchored at its first known index.
type Inbound struct {
	ID              domain.SessionID
	FirstKnownIndex uint32
	chainKey        []byte // chain key at FirstKnownIndex
	signPub         domain.Ed25519Public
}

// NewInboundFromKey builds an inbound session from an exported session key.
func NewInboundFromKey(exported string) (*Inbound, error) {
	raw, err := crypto.FromB64(exported)
	if err != nil {
		return nil, ErrBadKey
	}
	var sk sessionKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, ErrBadKey
	}
	if len(sk.ChainKey) != 32 || len(sk.SigningKey) != 32 {
		return nil, ErrBadKey
	}
	in := &Inbound{FirstKnownIndex: sk.ChainIndex, chainKey: sk.ChainKey}
	copy(in.signPub[:], sk.SigningKey)
	in.ID = sessionIDFor(in.signPub)
	return in, nil
}

// Unpickle restores an inbound session; the pickle and export formats match.
func Unpickle(raw []byte) (*Inbound, error) {
	var sk sessionKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, err
	}
	if len(sk.ChainKey) != 32 || len(sk.SigningKey) != 32 {
		return nil, ErrBadKey
	}
	in := &Inbound{FirstKnownIndex: sk.ChainIndex, chainKey: sk.ChainKey}
	copy(in.signPub[:], sk.SigningKey)
	in.ID = sessionIDFor(in.signPub)
	return in, nil
}

// Pickle serializes the inbound anchor state.
func (in *Inbound) Pickle() ([]byte, error) {
	return json.Marshal(sessionKey{
		ChainIndex: in.FirstKnownIndex,
		ChainKey:   in.chainKey,
		SigningKey: in.signPub.Slice(),
	})
}

// Decrypt verifies the signature and opens the message, replaying the chain
// forward from the anchor. The anchor itself never moves.
func (in *Inbound) Decrypt(msg Message) ([]byte, error) {
	if msg.Index < in.FirstKnownIndex {
		return nil, ErrIndexTooOld
	}
	if !crypto.Verify(in.signPub, signedBytes(msg), msg.Signature) {
		return nil, ErrBadSignature
	}

	ck := append([]byte(nil), in.chainKey...)
	for i := in.FirstKnownIndex; i < msg.Index; i++ {
		ck = advance(ck)
	}
	mk, nonce, err := messageKey(ck, msg.Index)
	memzero.Zero(ck)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(mk)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, msg.Ciphertext, []byte(in.ID))
}

// ExportAt re-exports the session key at the given index for forwarding or
// backup. Only indices at or after the anchor are reachable.
func (in *Inbound) ExportAt(index uint32) (string, error) {
	if index < in.FirstKnownIndex {
		return "", ErrIndexTooOld
	}
	ck := append([]byte(nil), in.chainKey...)
	for i := in.FirstKnownIndex; i < index; i++ {
		ck = advance(ck)
	}
	raw, err := json.Marshal(sessionKey{
		ChainIndex: index,
		ChainKey:   ck,
		SigningKey: in.signPub.Slice(),
	})
	if err != nil {
		return "", err
	}
	return crypto.B64(raw), nil
}

// --- chain mechanics ---

// messageKey derives the AEAD key and nonce for one index from the chain key
// at that index.
func messageKey(chainKey []byte, index uint32) (mk, nonce []byte, err error) {
	info := make([]byte, 4)
	binary.BigEndian.PutUint32(info, index)
	r := hkdf.New(sha256.New, chainKey, nil, info)

	mk = make([]byte, 32)
	if _, err = io.ReadFull(r, mk); err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err = io.ReadFull(r, nonce); err != nil {
		return nil, nil, err
	}
	return mk, nonce, nil
}

// advance steps the chain key by one message.
func advance(chainKey []byte) []byte {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte("roomcrypt-megolm"))
	return mac.Sum(nil)
}

func signedBytes(msg Message) []byte {
	out := make([]byte, 0, len(msg.SessionID)+4+len(msg.Ciphertext))
	out = append(out, []byte(msg.SessionID)...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], msg.Index)
	out = append(out, b[:]...)
	out = append(out, msg.Ciphertext...)
	return out
}

func sessionIDFor(signPub domain.Ed25519Public) domain.SessionID {
	sum := sha256.Sum256(signPub.Slice())
	return domain.SessionID(crypto.B64(sum[:16]))
}
