package olm

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/util/memzero"
)

var (
	ErrNoSendChain  = errors.New("olm: sending chain is uninitialised")
	ErrNoRecvChain  = errors.New("olm: receiving chain is uninitialised")
	ErrBadMessage   = errors.New("olm: malformed message")
	ErrNotPreKey    = errors.New("olm: message is not a pre-key message")
	ErrUnknownOneTimeKey = errors.New("olm: one-time key not held by this account")
)

// Header travels with every ciphertext.
type Header struct {
	RatchetKey []byte `json:"rk"`
	PrevChainLen uint32 `json:"pn"`
	Index      uint32 `json:"n"`
}

// Message is the decoded body of an OlmEnvelope.
type Message struct {
	Header     Header `json:"header"`
	Ciphertext []byte `json:"ciphertext"`

	// Pre-key bootstrap fields, present until the initiator has seen a
	// reply from the responder.
	IdentityKey  string `json:"identity_key,omitempty"`
	EphemeralKey string `json:"ephemeral_key,omitempty"`
	OneTimeKeyID string `json:"one_time_key_id,omitempty"`
}

// preKeyInfo is the bootstrap state an initiator attaches to messages until
// the responder's first reply proves the session is established.
type preKeyInfo struct {
	IdentityKey  domain.Curve25519Public `json:"identity_key"`
	EphemeralKey domain.Curve25519Public `json:"ephemeral_key"`
	OneTimeKeyID string                  `json:"one_time_key_id"`
}

// Session is one live double-ratchet channel. It is not safe for concurrent
// use; callers serialize per peer device.
type Session struct {
	ID        domain.SessionID        `json:"id"`
	PeerKey   domain.Curve25519Public `json:"peer_key"`
	RootKey   []byte                  `json:"root_key"`
	DHPriv    domain.Curve25519Private `json:"dh_priv"`
	DHPub     domain.Curve25519Public  `json:"dh_pub"`
	PeerDHPub domain.Curve25519Public  `json:"peer_dh_pub"`
	SendCK    []byte                  `json:"send_ck,omitempty"`
	RecvCK    []byte                  `json:"recv_ck,omitempty"`
	Ns        uint32                  `json:"ns"`
	Nr        uint32                  `json:"nr"`
	PN        uint32                  `json:"pn"`
	Skipped   map[string][]byte       `json:"skipped,omitempty"`
	PreKey    *preKeyInfo             `json:"pre_key,omitempty"`
}

// NewOutbound establishes a session toward a peer device from a claimed
// one-time key, using a triple DH between our identity key, a fresh
// ephemeral key, the peer identity key and the claimed key.
func NewOutbound(
	ourIdentPriv domain.Curve25519Private,
	ourIdentPub domain.Curve25519Public,
	peerIdent domain.Curve25519Public,
	oneTime domain.ClaimedOneTimeKey,
) (*Session, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}

	root, err := tripleDH(
		func() ([32]byte, error) { return crypto.DH(ourIdentPriv, oneTime.Key) },
		func() ([32]byte, error) { return crypto.DH(ephPriv, peerIdent) },
		func() ([32]byte, error) { return crypto.DH(ephPriv, oneTime.Key) },
	)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:      sessionID(ourIdentPub, ephPub, oneTime.Key),
		PeerKey: peerIdent,
		Skipped: make(map[string][]byte),
		PreKey: &preKeyInfo{
			IdentityKey:  ourIdentPub,
			EphemeralKey: ephPub,
			OneTimeKeyID: oneTime.KeyID,
		},
	}
	// Seed the sending chain with a fresh ratchet key against the claimed
	// one-time key; the responder mirrors this from the message header.
	ratPriv, ratPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(ratPriv, oneTime.Key)
	if err != nil {
		return nil, err
	}
	newRoot, sendCK := kdfRoot(root, dh[:])
	memzero.Zero(dh[:])
	memzero.Zero(root)

	s.RootKey = newRoot
	s.DHPriv, s.DHPub = ratPriv, ratPub
	s.PeerDHPub = oneTime.Key
	s.SendCK = sendCK
	return s, nil
}

// NewInboundFromPreKey builds the responder side of a session from the first
// pre-key message, consuming the referenced one-time key from the account.
func NewInboundFromPreKey(account *domain.Account, senderIdent domain.Curve25519Public, msg Message) (*Session, error) {
	if msg.OneTimeKeyID == "" || msg.EphemeralKey == "" {
		return nil, ErrNotPreKey
	}
	otk, ok := account.OneTimeKeys[msg.OneTimeKeyID]
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	eph, ok := domain.Curve25519FromB64(msg.EphemeralKey)
	if !ok {
		return nil, ErrBadMessage
	}
	claimedIdent, ok := domain.Curve25519FromB64(msg.IdentityKey)
	if !ok || claimedIdent != senderIdent {
		return nil, ErrBadMessage
	}

	root, err := tripleDH(
		func() ([32]byte, error) { return crypto.DH(otk.Priv, senderIdent) },
		func() ([32]byte, error) { return crypto.DH(account.IdentityPriv, eph) },
		func() ([32]byte, error) { return crypto.DH(otk.Priv, eph) },
	)
	if err != nil {
		return nil, err
	}

	if len(msg.Header.RatchetKey) != 32 {
		return nil, ErrBadMessage
	}
	var senderRatchet domain.Curve25519Public
	copy(senderRatchet[:], msg.Header.RatchetKey)

	dh, err := crypto.DH(otk.Priv, senderRatchet)
	if err != nil {
		return nil, err
	}
	newRoot, recvCK := kdfRoot(root, dh[:])
	memzero.Zero(dh[:])
	memzero.Zero(root)

	ratPriv, ratPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}

	// One-time keys are single use.
	delete(account.OneTimeKeys, msg.OneTimeKeyID)

	return &Session{
		ID:        sessionID(senderIdent, eph, otk.Pub),
		PeerKey:   senderIdent,
		RootKey:   newRoot,
		DHPriv:    ratPriv,
		DHPub:     ratPub,
		PeerDHPub: senderRatchet,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// IsPreKeyMessage reports whether raw decodes to a session-establishing
// message without consuming anything.
func IsPreKeyMessage(msg Message) bool {
	return msg.OneTimeKeyID != "" && msg.EphemeralKey != ""
}

// Pickle serializes the session for the persistent store.
func (s *Session) Pickle() ([]byte, error) { return json.Marshal(s) }

// Unpickle restores a session from its stored form.
func Unpickle(raw []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.Skipped == nil {
		s.Skipped = make(map[string][]byte)
	}
	return &s, nil
}

// sessionID derives the shared session identifier both sides compute from
// the establishment keys.
func sessionID(ident, eph, oneTime domain.Curve25519Public) domain.SessionID {
	h := sha256.New()
	h.Write(ident[:])
	h.Write(eph[:])
	h.Write(oneTime[:])
	return domain.SessionID(crypto.B64(h.Sum(nil)[:16]))
}

// tripleDH concatenates three DH results and expands them into a root key.
func tripleDH(parts ...func() ([32]byte, error)) ([]byte, error) {
	secret := make([]byte, 0, 96)
	for _, f := range parts {
		dh, err := f()
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh[:]...)
	}
	defer memzero.Zero(secret)

	r := hkdf.New(sha256.New, secret, nil, []byte("roomcrypt-olm-root"))
	root := make([]byte, 32)
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, err
	}
	return root, nil
}
