// Package group owns the per-room group sessions: the outbound ratchet this
// device encrypts with, and the inbound ratchets received from peers.
package group

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/logger"
	"roomcrypt/internal/protocol/megolm"
	"roomcrypt/internal/util/keymutex"
)

// Config bounds the lifetime of outbound sessions and sets the sharing
// policy.
type Config struct {
	// RotationMessageCount is the number of messages after which an
	// outbound session is rotated.
	RotationMessageCount uint32
	// RotationPeriod is the maximum age of an outbound session.
	RotationPeriod time.Duration
	// BlacklistUnverified withholds keys from unverified devices in every
	// room; per-room policy can enable it for single rooms.
	BlacklistUnverified bool
}

// Service manages group sessions for encrypted rooms. Outbound session
// access is serialized per room; inbound decrypts are serialized per session.
type Service struct {
	cfg       Config
	store     domain.Store
	transport domain.Transport
	devices   domain.DeviceDirectory
	trust     domain.TrustEngine
	pairwise  domain.PairwiseManager

	roomLocks    *keymutex.KeyMutex
	sessionLocks *keymutex.KeyMutex
}

// New constructs a group session manager.
func New(
	cfg Config,
	store domain.Store,
	transport domain.Transport,
	devices domain.DeviceDirectory,
	trust domain.TrustEngine,
	pairwise domain.PairwiseManager,
) *Service {
	return &Service{
		cfg:          cfg,
		store:        store,
		transport:    transport,
		devices:      devices,
		trust:        trust,
		pairwise:     pairwise,
		roomLocks:    keymutex.New(),
		sessionLocks: keymutex.New(),
	}
}

var _ domain.GroupManager = (*Service)(nil)

// roomPayload is the cleartext encrypted into a room event.
type roomPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  domain.RoomID   `json:"room_id"`
}

// EncryptForRoom encrypts a room event under the room's outbound session.
//
// Steps:
//  1. Ensure a live outbound session, rotating when the message count or age
//     ceiling is reached, and share its key with every entitled device that
//     does not have it yet.
//  2. Encrypt and advance the ratchet.
//  3. Persist the stepped session state before returning the ciphertext.
func (s *Service) EncryptForRoom(ctx context.Context, roomID domain.RoomID, eventType string, plaintext []byte) (domain.EncryptedEvent, error) {
	s.roomLocks.Lock(roomID.String())
	defer s.roomLocks.Unlock(roomID.String())

	record, outbound, err := s.ensureOutbound(ctx, roomID)
	if err != nil {
		return domain.EncryptedEvent{}, err
	}

	clear, err := json.Marshal(roomPayload{Type: eventType, Content: plaintext, RoomID: roomID})
	if err != nil {
		return domain.EncryptedEvent{}, err
	}
	msg, err := outbound.Encrypt(clear)
	if err != nil {
		return domain.EncryptedEvent{}, err
	}

	record.MessageCount++
	record.Pickle, err = outbound.Pickle()
	if err != nil {
		return domain.EncryptedEvent{}, err
	}
	if err := s.store.SaveOutboundWithShares(record); err != nil {
		return domain.EncryptedEvent{}, errs.Wrap(errs.CodeSessionCorruption,
			"persist stepped group session", err)
	}

	account, _, err := s.store.LoadAccount()
	if err != nil {
		return domain.EncryptedEvent{}, err
	}
	ciphertext, err := json.Marshal(msg)
	if err != nil {
		return domain.EncryptedEvent{}, err
	}
	return domain.EncryptedEvent{
		RoomID:     roomID,
		Sender:     account.UserID,
		Algorithm:  domain.AlgorithmMegolm,
		SenderKey:  account.IdentityPub.B64(),
		SessionID:  record.SessionID,
		DeviceID:   account.DeviceID,
		Ciphertext: ciphertext,
	}, nil
}

// PrepareToEncrypt warms up a room: it ensures a live outbound session and
// distributes its key, so the first real send does not pay the sharing
// latency.
func (s *Service) PrepareToEncrypt(ctx context.Context, roomID domain.RoomID) error {
	s.roomLocks.Lock(roomID.String())
	defer s.roomLocks.Unlock(roomID.String())
	_, _, err := s.ensureOutbound(ctx, roomID)
	return err
}

// DiscardOutboundSession drops the room's outbound session so the next
// encrypt starts a fresh one.
func (s *Service) DiscardOutboundSession(roomID domain.RoomID) error {
	s.roomLocks.Lock(roomID.String())
	defer s.roomLocks.Unlock(roomID.String())
	return s.store.DiscardOutboundSession(roomID)
}

// ensureOutbound returns the room's live outbound session, creating or
// rotating it as needed, with its key shared to all entitled devices.
func (s *Service) ensureOutbound(ctx context.Context, roomID domain.RoomID) (domain.OutboundGroupSession, *megolm.Outbound, error) {
	record, ok, err := s.store.OutboundSession(roomID)
	if err != nil {
		return domain.OutboundGroupSession{}, nil, err
	}
	if ok && s.rotationDue(record) {
		logger.Info("rotating outbound group session",
			zap.String("room", roomID.String()), zap.String("session", record.SessionID.String()))
		ok = false
	}

	var outbound *megolm.Outbound
	if ok {
		outbound, err = megolm.UnpickleOutbound(record.Pickle)
		if err != nil {
			return domain.OutboundGroupSession{}, nil, errs.Wrap(errs.CodeSessionCorruption,
				"unpickle outbound group session", err)
		}
	} else {
		outbound, err = megolm.NewOutbound()
		if err != nil {
			return domain.OutboundGroupSession{}, nil, err
		}
		pickle, err := outbound.Pickle()
		if err != nil {
			return domain.OutboundGroupSession{}, nil, err
		}
		record = domain.OutboundGroupSession{
			RoomID:     roomID,
			SessionID:  outbound.ID,
			Pickle:     pickle,
			CreatedAt:  time.Now().Unix(),
			SharedWith: make(map[string]uint32),
		}
		// We can always read our own sessions; keep a local inbound copy so
		// our own sent events decrypt like anyone else's.
		if err := s.keepOwnInbound(roomID, outbound); err != nil {
			return domain.OutboundGroupSession{}, nil, err
		}
	}

	if err := s.shareSession(ctx, &record, outbound); err != nil {
		return domain.OutboundGroupSession{}, nil, err
	}
	return record, outbound, nil
}

func (s *Service) rotationDue(record domain.OutboundGroupSession) bool {
	if record.MessageCount >= s.cfg.RotationMessageCount {
		return true
	}
	return time.Since(time.Unix(record.CreatedAt, 0)) >= s.cfg.RotationPeriod
}

func (s *Service) keepOwnInbound(roomID domain.RoomID, outbound *megolm.Outbound) error {
	account, _, err := s.store.LoadAccount()
	if err != nil {
		return err
	}
	key, err := outbound.SessionKey()
	if err != nil {
		return err
	}
	inbound, err := megolm.NewInboundFromKey(key)
	if err != nil {
		return err
	}
	pickle, err := inbound.Pickle()
	if err != nil {
		return err
	}
	return s.store.SaveInboundSession(domain.InboundGroupSession{
		RoomID:               roomID,
		SenderKey:            account.IdentityPub,
		SessionID:            inbound.ID,
		Pickle:               pickle,
		FirstKnownIndex:      inbound.FirstKnownIndex,
		SenderClaimedEd25519: account.SigningPub.B64(),
		TrustedSource:        true,
		Source:               domain.SourceDirect,
	})
}

// shareSession distributes the session key to every entitled device that has
// not received it yet.
//
// The share record is persisted together with the session state before any
// ciphertext is handed to the transport: a crash between persist and send
// loses at most a delivery, which key gossiping can repair, and never leaves
// the network knowing a key the local store has no record of sharing.
func (s *Service) shareSession(ctx context.Context, record *domain.OutboundGroupSession, outbound *megolm.Outbound) error {
	account, _, err := s.store.LoadAccount()
	if err != nil {
		return err
	}
	targets, withheld, err := s.entitledDevices(ctx, record.RoomID, account)
	if err != nil {
		return err
	}

	var pending []domain.Device
	for _, device := range targets {
		if _, done := record.SharedWith[device.Key()]; !done {
			pending = append(pending, device)
		}
	}
	newWithheld := withheld[:0]
	for _, w := range withheld {
		key := w.TargetUser.String() + "/" + w.TargetDevice.String()
		if _, done := record.SharedWith[key]; !done {
			newWithheld = append(newWithheld, w)
		}
	}
	withheld = newWithheld
	if len(pending) == 0 && len(withheld) == 0 {
		return nil
	}

	sessionKey, err := outbound.SessionKey()
	if err != nil {
		return err
	}
	content := domain.RoomKeyContent{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     record.RoomID,
		SessionID:  record.SessionID,
		SessionKey: sessionKey,
		ChainIndex: outbound.Index(),
	}

	shareIndex := outbound.Index()
	for _, device := range pending {
		record.SharedWith[device.Key()] = shareIndex
	}
	for i := range withheld {
		withheld[i].SessionID = record.SessionID
		record.SharedWith[withheld[i].TargetUser.String()+"/"+withheld[i].TargetDevice.String()] = shareIndex
	}
	if err := s.store.SaveOutboundWithShares(*record); err != nil {
		return err
	}
	for i := range withheld {
		if err := s.store.SaveWithheldRecord(withheld[i]); err != nil {
			return err
		}
	}

	var failed []domain.Device
	for _, device := range pending {
		if err := s.sendRoomKey(ctx, device, content); err != nil {
			failed = append(failed, device)
			logger.Warn("room key delivery failed, deferring share",
				zap.String("device", device.Key()),
				zap.String("session", record.SessionID.String()),
				zap.Error(err))
		}
	}
	if len(failed) > 0 {
		// Un-mark failed deliveries so the next encrypt retries them.
		for _, device := range failed {
			delete(record.SharedWith, device.Key())
		}
		if err := s.store.SaveOutboundWithShares(*record); err != nil {
			return err
		}
	}
	for _, w := range withheld {
		s.sendWithheld(ctx, account, w)
	}
	return nil
}

// entitledDevices computes which member devices receive the session key and
// which get an explicit withheld notice instead.
func (s *Service) entitledDevices(ctx context.Context, roomID domain.RoomID, account domain.Account) ([]domain.Device, []domain.WithheldRecord, error) {
	members, err := s.store.Members(roomID)
	if err != nil {
		return nil, nil, err
	}
	blacklistUnverified := s.cfg.BlacklistUnverified
	if !blacklistUnverified {
		blacklistUnverified, err = s.store.RoomBlacklistUnverified(roomID)
		if err != nil {
			return nil, nil, err
		}
	}

	now := time.Now().Unix()
	var targets []domain.Device
	var withheld []domain.WithheldRecord
	for _, userID := range members {
		devices, err := s.devices.DevicesFor(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		for _, device := range devices {
			if device.Tombstoned {
				continue
			}
			if device.UserID == account.UserID && device.DeviceID == account.DeviceID {
				continue
			}
			trust := s.trust.DeviceTrust(device)
			switch {
			case trust == domain.TrustBlocked:
				withheld = append(withheld, domain.WithheldRecord{
					RoomID:       roomID,
					SenderKey:    account.IdentityPub,
					TargetUser:   device.UserID,
					TargetDevice: device.DeviceID,
					Code:         domain.WithheldBlacklisted,
					Reason:       "device is blocked",
					CreatedAt:    now,
				})
			case blacklistUnverified && trust != domain.TrustVerified:
				withheld = append(withheld, domain.WithheldRecord{
					RoomID:       roomID,
					SenderKey:    account.IdentityPub,
					TargetUser:   device.UserID,
					TargetDevice: device.DeviceID,
					Code:         domain.WithheldUnverified,
					Reason:       "device is not verified",
					CreatedAt:    now,
				})
			default:
				targets = append(targets, device)
			}
		}
	}
	return targets, withheld, nil
}

func (s *Service) sendRoomKey(ctx context.Context, device domain.Device, content domain.RoomKeyContent) error {
	envelope, err := s.pairwise.Encrypt(ctx, device, domain.EventRoomKey, content)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.transport.SendToDevice(ctx, domain.EventEncrypted, device.UserID, device.DeviceID, payload)
}

func (s *Service) sendWithheld(ctx context.Context, account domain.Account, w domain.WithheldRecord) {
	content := domain.RoomKeyWithheldContent{
		Algorithm: domain.AlgorithmMegolm,
		RoomID:    w.RoomID,
		SessionID: w.SessionID,
		SenderKey: account.IdentityPub.B64(),
		Code:      w.Code,
		Reason:    w.Reason,
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return
	}
	if err := s.transport.SendToDevice(ctx, domain.EventRoomKeyWithheld, w.TargetUser, w.TargetDevice, payload); err != nil {
		logger.Warn("withheld notice delivery failed",
			zap.String("user", w.TargetUser.String()),
			zap.String("device", w.TargetDevice.String()),
			zap.Error(err))
	}
}

// DecryptRoomEvent decrypts an encrypted room event. Protocol-level failures
// are reported in-band on the result, never as panics.
//
// Steps:
//  1. Look up the inbound session; absence yields either the stored withheld
//     explanation or UNKNOWN_INBOUND_SESSION, which the engine answers with
//     an async key request.
//  2. Verify and decrypt.
//  3. Consult the replay ledger: a ciphertext already recorded at this index
//     succeeds idempotently; a different ciphertext at a recorded index is a
//     replay.
func (s *Service) DecryptRoomEvent(ctx context.Context, event domain.EncryptedEvent) domain.DecryptionResult {
	senderKey, ok := domain.Curve25519FromB64(event.SenderKey)
	if !ok {
		return domain.DecryptionResult{Err: errs.New(errs.CodeBadMessage, "malformed sender key")}
	}

	record, found, err := s.store.InboundSession(event.RoomID, senderKey, event.SessionID)
	if err != nil {
		return domain.DecryptionResult{Err: err}
	}
	if !found {
		if w, ok, werr := s.store.WithheldRecord(event.RoomID, event.SessionID); werr == nil && ok {
			return domain.DecryptionResult{
				Withheld: &w,
				Err: errs.Newf(errs.CodeWithheldByPeer,
					"key withheld: %s", w.Code),
			}
		}
		return domain.DecryptionResult{Err: errs.Newf(errs.CodeUnknownSession,
			"no inbound session %s in %s", event.SessionID, event.RoomID)}
	}

	s.sessionLocks.Lock(record.InboundKey())
	defer s.sessionLocks.Unlock(record.InboundKey())

	inbound, err := megolm.Unpickle(record.Pickle)
	if err != nil {
		return domain.DecryptionResult{Err: errs.Wrap(errs.CodeSessionCorruption,
			"unpickle inbound group session", err)}
	}
	var msg megolm.Message
	if err := json.Unmarshal(event.Ciphertext, &msg); err != nil {
		return domain.DecryptionResult{Err: errs.Wrap(errs.CodeBadMessage, "decode group message", err)}
	}

	clear, err := inbound.Decrypt(msg)
	if err != nil {
		return domain.DecryptionResult{Err: errs.Wrap(errs.CodeBadMessage, "group decrypt", err)}
	}

	digest := ciphertextDigest(msg.Ciphertext)
	known, seen, err := s.store.MessageIndexDigest(record.InboundKey(), msg.Index)
	if err != nil {
		return domain.DecryptionResult{Err: err}
	}
	if seen && known != digest {
		return domain.DecryptionResult{Err: errs.Newf(errs.CodeReplay,
			"distinct ciphertext replayed at index %d of session %s", msg.Index, event.SessionID)}
	}
	if !seen {
		if err := s.store.RecordMessageIndex(record.InboundKey(), msg.Index, digest); err != nil {
			return domain.DecryptionResult{Err: err}
		}
	}

	var payload roomPayload
	if err := json.Unmarshal(clear, &payload); err != nil {
		return domain.DecryptionResult{Err: errs.Wrap(errs.CodeBadMessage, "decode group payload", err)}
	}
	if payload.RoomID != event.RoomID {
		// A key for one room must not decrypt traffic claimed for another.
		return domain.DecryptionResult{Err: errs.New(errs.CodeBadMessage, "room id mismatch in payload")}
	}

	return domain.DecryptionResult{
		Plaintext:      payload.Content,
		ClearEventType: payload.Type,
		Source:         record.Source,
		Trusted:        record.TrustedSource,
	}
}

func ciphertextDigest(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:8])
}

// ImportInboundSession installs a session received from sharing, gossip,
// backup or file import. It reports whether local state changed.
//
// An import only ever extends known history backward: a session whose first
// known index is not earlier than the stored one is ignored, and an
// untrusted copy never overwrites a trusted one.
func (s *Service) ImportInboundSession(exported domain.ExportedSession, source domain.DecryptionSource, trusted bool) (bool, error) {
	senderKey, ok := domain.Curve25519FromB64(exported.SenderKey)
	if !ok {
		return false, errs.New(errs.CodeBadMessage, "malformed sender key in session import")
	}
	inbound, err := megolm.NewInboundFromKey(exported.SessionKey)
	if err != nil {
		return false, errs.Wrap(errs.CodeBadMessage, "parse imported session key", err)
	}
	if exported.SessionID != "" && exported.SessionID != inbound.ID {
		return false, errs.New(errs.CodeBadMessage, "session id does not match session key")
	}

	key := domain.InboundGroupSession{RoomID: exported.RoomID, SenderKey: senderKey, SessionID: inbound.ID}.InboundKey()
	s.sessionLocks.Lock(key)
	defer s.sessionLocks.Unlock(key)

	existing, found, err := s.store.InboundSession(exported.RoomID, senderKey, inbound.ID)
	if err != nil {
		return false, err
	}
	if found {
		if inbound.FirstKnownIndex >= existing.FirstKnownIndex {
			return false, nil
		}
		if existing.TrustedSource && !trusted {
			return false, nil
		}
	}

	pickle, err := inbound.Pickle()
	if err != nil {
		return false, err
	}
	record := domain.InboundGroupSession{
		RoomID:               exported.RoomID,
		SenderKey:            senderKey,
		SessionID:            inbound.ID,
		Pickle:               pickle,
		FirstKnownIndex:      inbound.FirstKnownIndex,
		ForwardingChain:      exported.ForwardingKeyChain,
		SenderClaimedEd25519: exported.SenderClaimedEd25519,
		TrustedSource:        trusted,
		Source:               source,
	}
	if err := s.store.SaveInboundSession(record); err != nil {
		return false, err
	}
	logger.Debug("imported inbound group session",
		zap.String("room", exported.RoomID.String()),
		zap.String("session", inbound.ID.String()),
		zap.Uint32("first_index", inbound.FirstKnownIndex),
		zap.Int("source", int(source)))
	return true, nil
}

// HandleRoomKey installs a session key that arrived over a pairwise channel,
// either straight from its creator or forwarded by another device.
func (s *Service) HandleRoomKey(ctx context.Context, event domain.ToDeviceEvent) error {
	switch event.Type {
	case domain.EventRoomKey:
		var content domain.RoomKeyContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return errs.Wrap(errs.CodeBadMessage, "decode room key", err)
		}
		if content.Algorithm != domain.AlgorithmMegolm {
			return errs.Newf(errs.CodeBadMessage, "unsupported room key algorithm %q", content.Algorithm)
		}
		_, err := s.ImportInboundSession(domain.ExportedSession{
			Algorithm:  content.Algorithm,
			RoomID:     content.RoomID,
			SenderKey:  event.SenderKey.B64(),
			SessionID:  content.SessionID,
			SessionKey: content.SessionKey,
		}, domain.SourceDirect, true)
		return err

	case domain.EventForwardedRoomKey:
		var content domain.ForwardedRoomKeyContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return errs.Wrap(errs.CodeBadMessage, "decode forwarded room key", err)
		}
		if content.Algorithm != domain.AlgorithmMegolm {
			return errs.Newf(errs.CodeBadMessage, "unsupported room key algorithm %q", content.Algorithm)
		}
		// The forwarder appends itself to the chain; trust is never assumed
		// for relayed keys.
		chain := append([]string{}, content.ForwardingKeyChain...)
		chain = append(chain, event.SenderKey.B64())
		_, err := s.ImportInboundSession(domain.ExportedSession{
			Algorithm:            content.Algorithm,
			RoomID:               content.RoomID,
			SenderKey:            content.SenderKey,
			SessionID:            content.SessionID,
			SessionKey:           content.SessionKey,
			ForwardingKeyChain:   chain,
			SenderClaimedEd25519: content.SenderClaimedEd25519,
		}, domain.SourceForwarded, false)
		return err
	}
	return errs.Newf(errs.CodeBadMessage, "unexpected event type %q", event.Type)
}

// HandleMembershipChange applies a membership delta and rotates the room's
// outbound session when anyone left, so departed members cannot read
// messages sent after their departure.
func (s *Service) HandleMembershipChange(change domain.MembershipChange) error {
	if err := s.store.ApplyMembershipChange(change); err != nil {
		return err
	}
	if len(change.Left) == 0 {
		return nil
	}
	logger.Info("membership removal, discarding outbound session",
		zap.String("room", change.RoomID.String()),
		zap.Int("left", len(change.Left)))
	return s.DiscardOutboundSession(change.RoomID)
}

// InboundSessionCount reports how many inbound sessions are held, optionally
// only those already backed up.
func (s *Service) InboundSessionCount(onlyBackedUp bool) (int, error) {
	return s.store.InboundSessionCount(onlyBackedUp)
}
