// Package pairwise owns the double-ratchet channels to individual peer
// devices, used to deliver group session keys and other to-device payloads.
package pairwise

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/logger"
	"roomcrypt/internal/protocol/olm"
	"roomcrypt/internal/util/keymutex"
)

// Service manages one ratchet channel per peer device, keyed by the peer's
// curve25519 identity key. All session access is serialized per peer key; a
// ratchet stepped concurrently would fork its chain state.
type Service struct {
	store     domain.Store
	transport domain.Transport
	locks     *keymutex.KeyMutex
}

// New constructs a pairwise session manager.
func New(store domain.Store, transport domain.Transport) *Service {
	return &Service{
		store:     store,
		transport: transport,
		locks:     keymutex.New(),
	}
}

var _ domain.PairwiseManager = (*Service)(nil)

// Plaintext is the decrypted envelope body: the cleartext event type plus its
// content, bound to the claimed sender identity.
type Plaintext struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Sender    domain.UserID   `json:"sender"`
	Recipient domain.UserID   `json:"recipient"`
}

// EnsureSession returns the active session for a peer device, creating one by
// claiming a one-time key when none exists.
//
// Steps:
//  1. Return the stored active session when present.
//  2. Claim a one-time key for the device; an empty claim means the server
//     has none left, which fails with NO_ONE_TIME_KEY.
//  3. Run the session handshake against the claimed key and persist the
//     result as the new active session.
func (s *Service) EnsureSession(ctx context.Context, device domain.Device) (domain.PairwiseSession, error) {
	s.locks.Lock(device.IdentityKey.B64())
	defer s.locks.Unlock(device.IdentityKey.B64())
	return s.ensureLocked(ctx, device)
}

func (s *Service) ensureLocked(ctx context.Context, device domain.Device) (domain.PairwiseSession, error) {
	existing, ok, err := s.store.ActivePairwiseSession(device.IdentityKey)
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	if ok {
		return existing, nil
	}

	claimed, err := s.transport.ClaimOneTimeKeys(ctx, domain.OneTimeKeyClaim{
		device.UserID: {device.DeviceID},
	})
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	var oneTime *domain.ClaimedOneTimeKey
	for i := range claimed {
		if claimed[i].UserID == device.UserID && claimed[i].DeviceID == device.DeviceID {
			oneTime = &claimed[i]
			break
		}
	}
	if oneTime == nil {
		return domain.PairwiseSession{}, errs.Newf(errs.CodeNoOneTimeKey,
			"no one-time key available for %s/%s", device.UserID, device.DeviceID)
	}

	account, ok, err := s.store.LoadAccount()
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	if !ok {
		return domain.PairwiseSession{}, errs.New(errs.CodeInternal, "account not initialised")
	}

	session, err := olm.NewOutbound(account.IdentityPriv, account.IdentityPub, device.IdentityKey, *oneTime)
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	record, err := s.persist(session, time.Now().Unix())
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	logger.Debug("established pairwise session",
		zap.String("peer", device.Key()), zap.String("session", session.ID.String()))
	return record, nil
}

// Encrypt advances the sender ratchet toward a device and persists the
// stepped session before returning the envelope.
//
// The persist happens after the ratchet advance and before the ciphertext
// leaves this function: a ciphertext produced by a chain state that was never
// stored could not be re-derived, so a failed persist is reported as session
// corruption rather than a retriable fault.
func (s *Service) Encrypt(ctx context.Context, device domain.Device, eventType string, payload any) (domain.OlmEnvelope, error) {
	s.locks.Lock(device.IdentityKey.B64())
	defer s.locks.Unlock(device.IdentityKey.B64())

	record, err := s.ensureLocked(ctx, device)
	if err != nil {
		return domain.OlmEnvelope{}, err
	}
	session, err := olm.Unpickle(record.Pickle)
	if err != nil {
		return domain.OlmEnvelope{}, errs.Wrap(errs.CodeSessionCorruption, "unpickle pairwise session", err)
	}

	account, _, err := s.store.LoadAccount()
	if err != nil {
		return domain.OlmEnvelope{}, err
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return domain.OlmEnvelope{}, err
	}
	clear, err := json.Marshal(Plaintext{
		Type:      eventType,
		Content:   content,
		Sender:    account.UserID,
		Recipient: device.UserID,
	})
	if err != nil {
		return domain.OlmEnvelope{}, err
	}

	msg, err := session.Encrypt(clear)
	if err != nil {
		return domain.OlmEnvelope{}, err
	}
	if _, err := s.persist(session, time.Now().Unix()); err != nil {
		return domain.OlmEnvelope{}, errs.Wrap(errs.CodeSessionCorruption,
			"persist stepped ratchet", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return domain.OlmEnvelope{}, err
	}
	envelopeType := domain.OlmMessageNormal
	if olm.IsPreKeyMessage(msg) {
		envelopeType = domain.OlmMessagePreKey
	}
	return domain.OlmEnvelope{
		Type:      envelopeType,
		SenderKey: account.IdentityPub,
		SessionID: session.ID,
		Body:      body,
	}, nil
}

// Decrypt opens an envelope with the session named inside it.
//
// Steps:
//  1. Look up the session by (sender key, session id).
//  2. When absent and the envelope is a pre-key message, build the inbound
//     session, consuming the referenced one-time key from the account.
//  3. Decrypt, then persist the stepped ratchet before returning plaintext.
func (s *Service) Decrypt(ctx context.Context, envelope domain.OlmEnvelope) ([]byte, error) {
	s.locks.Lock(envelope.SenderKey.B64())
	defer s.locks.Unlock(envelope.SenderKey.B64())

	var msg olm.Message
	if err := json.Unmarshal(envelope.Body, &msg); err != nil {
		return nil, errs.Wrap(errs.CodeBadMessage, "decode pairwise message", err)
	}

	record, ok, err := s.store.PairwiseSessionByID(envelope.SenderKey, envelope.SessionID)
	if err != nil {
		return nil, err
	}

	var session *olm.Session
	switch {
	case ok:
		session, err = olm.Unpickle(record.Pickle)
		if err != nil {
			return nil, errs.Wrap(errs.CodeSessionCorruption, "unpickle pairwise session", err)
		}
	case envelope.Type == domain.OlmMessagePreKey:
		session, err = s.acceptPreKey(envelope.SenderKey, msg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errs.Newf(errs.CodeBadMessage,
			"no pairwise session %s for sender key %s", envelope.SessionID, envelope.SenderKey.B64())
	}

	plaintext, err := session.Decrypt(msg)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadMessage, "pairwise decrypt", err)
	}
	if _, err := s.persist(session, time.Now().Unix()); err != nil {
		return nil, errs.Wrap(errs.CodeSessionCorruption, "persist stepped ratchet", err)
	}
	return plaintext, nil
}

// acceptPreKey builds the responder side of a new session and burns the
// one-time key it consumed.
func (s *Service) acceptPreKey(senderKey domain.Curve25519Public, msg olm.Message) (*olm.Session, error) {
	account, ok, err := s.store.LoadAccount()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.CodeInternal, "account not initialised")
	}

	session, err := olm.NewInboundFromPreKey(&account, senderKey, msg)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadMessage, "accept pre-key message", err)
	}
	// The consumed one-time key must be gone before anything else can claim
	// it; a duplicate pre-key message must not re-derive the session.
	if err := s.store.SaveAccount(account); err != nil {
		return nil, err
	}
	logger.Debug("accepted inbound pairwise session",
		zap.String("sender_key", senderKey.B64()), zap.String("session", session.ID.String()))
	return session, nil
}

func (s *Service) persist(session *olm.Session, now int64) (domain.PairwiseSession, error) {
	pickle, err := session.Pickle()
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	// CreatedAt is set once when the session first lands in the store;
	// later ratchet steps only touch LastUsedAt.
	createdAt := now
	if existing, ok, err := s.store.PairwiseSessionByID(session.PeerKey, session.ID); err != nil {
		return domain.PairwiseSession{}, err
	} else if ok {
		createdAt = existing.CreatedAt
	}
	record := domain.PairwiseSession{
		SessionID:  session.ID,
		PeerKey:    session.PeerKey,
		Pickle:     pickle,
		CreatedAt:  createdAt,
		LastUsedAt: now,
		Active:     true,
	}
	if err := s.store.SavePairwiseSession(record); err != nil {
		return domain.PairwiseSession{}, err
	}
	return record, nil
}
