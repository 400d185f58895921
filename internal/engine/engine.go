// Package engine is the façade over the crypto services: one object that a
// client embeds to encrypt, decrypt, verify, back up and recover keys.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/logger"
	"roomcrypt/internal/services/pairwise"
)

// Engine wires the per-concern services behind a single surface. It owns no
// state of its own; everything lives in the store.
type Engine struct {
	store     domain.Store
	notifier  domain.Notifier
	transport domain.Transport
	devices   domain.DeviceDirectory
	trust     domain.TrustEngine
	pairwise  domain.PairwiseManager
	group     domain.GroupManager
	gossip    domain.GossipManager
	backup    domain.BackupService
}

// New assembles an engine from its services.
func New(
	store domain.Store,
	notifier domain.Notifier,
	transport domain.Transport,
	devices domain.DeviceDirectory,
	trust domain.TrustEngine,
	pw domain.PairwiseManager,
	group domain.GroupManager,
	gossip domain.GossipManager,
	backup domain.BackupService,
) *Engine {
	return &Engine{
		store:     store,
		notifier:  notifier,
		transport: transport,
		devices:   devices,
		trust:     trust,
		pairwise:  pw,
		group:     group,
		gossip:    gossip,
		backup:    backup,
	}
}

// EnsureAccount creates this device's key material on first run and keeps
// the published one-time key supply topped up.
//
// Steps:
//  1. Generate identity (curve25519) and signing (ed25519) pairs when no
//     account exists yet.
//  2. Mint one-time keys until the unpublished pool reaches target.
//  3. Publish device keys plus the new one-time keys.
func (e *Engine) EnsureAccount(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID, oneTimeKeyTarget int) error {
	account, ok, err := e.store.LoadAccount()
	if err != nil {
		return err
	}
	if !ok {
		identPriv, identPub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		signPriv, signPub, err := crypto.GenerateEd25519()
		if err != nil {
			return err
		}
		account = domain.Account{
			UserID:       userID,
			DeviceID:     deviceID,
			IdentityPriv: identPriv,
			IdentityPub:  identPub,
			SigningPriv:  signPriv,
			SigningPub:   signPub,
			OneTimeKeys:  make(map[string]domain.OneTimeKey),
		}
		logger.Info("generated device key material",
			zap.String("user", userID.String()), zap.String("device", deviceID.String()))
	}

	fresh := make(map[string]string)
	for len(account.OneTimeKeys) < oneTimeKeyTarget {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		id := "otk_" + crypto.Fingerprint(pub.Slice())
		account.OneTimeKeys[id] = domain.OneTimeKey{ID: id, Priv: priv, Pub: pub}
		fresh[id] = pub.B64()
	}
	if err := e.store.SaveAccount(account); err != nil {
		return err
	}

	keys := domain.DeviceKeys{
		UserID:      account.UserID,
		DeviceID:    account.DeviceID,
		Algorithms:  []domain.Algorithm{domain.AlgorithmOlm, domain.AlgorithmMegolm},
		IdentityKey: account.IdentityPub.B64(),
		SigningKey:  account.SigningPub.B64(),
	}
	return e.transport.UploadDeviceKeys(ctx, keys, fresh)
}

// Account returns this device's identity, without private key material.
func (e *Engine) Account() (domain.UserID, domain.DeviceID, domain.Curve25519Public, domain.Ed25519Public, error) {
	account, ok, err := e.store.LoadAccount()
	if err != nil {
		return "", "", domain.Curve25519Public{}, domain.Ed25519Public{}, err
	}
	if !ok {
		return "", "", domain.Curve25519Public{}, domain.Ed25519Public{},
			errs.New(errs.CodeNotFound, "account not initialised")
	}
	return account.UserID, account.DeviceID, account.IdentityPub, account.SigningPub, nil
}

// EncryptForRoom encrypts a room event for all entitled member devices.
func (e *Engine) EncryptForRoom(ctx context.Context, roomID domain.RoomID, eventType string, plaintext []byte) (domain.EncryptedEvent, error) {
	return e.group.EncryptForRoom(ctx, roomID, eventType, plaintext)
}

// DecryptRoomEvent decrypts a room event. When the needed session is
// unknown, a key request is fired asynchronously and the unknown-session
// outcome is returned; the caller retries after a new-session notification.
func (e *Engine) DecryptRoomEvent(ctx context.Context, event domain.EncryptedEvent) domain.DecryptionResult {
	result := e.group.DecryptRoomEvent(ctx, event)
	if result.Err != nil && errs.Is(result.Err, errs.CodeUnknownSession) {
		if _, err := e.gossip.RequestSessionIfMissing(ctx, domain.RoomKeyRequestBody{
			Algorithm: event.Algorithm,
			RoomID:    event.RoomID,
			SenderKey: event.SenderKey,
			SessionID: event.SessionID,
		}); err != nil {
			logger.Warn("key request for unknown session failed",
				zap.String("session", event.SessionID.String()), zap.Error(err))
		}
	}
	return result
}

// PrepareToEncrypt pre-warms a room's outbound session and key distribution.
func (e *Engine) PrepareToEncrypt(ctx context.Context, roomID domain.RoomID) error {
	return e.group.PrepareToEncrypt(ctx, roomID)
}

// DiscardOutboundSession forces a fresh outbound session on next encrypt.
func (e *Engine) DiscardOutboundSession(roomID domain.RoomID) error {
	return e.group.DiscardOutboundSession(roomID)
}

// DeviceTrust returns the effective trust of a device.
func (e *Engine) DeviceTrust(device domain.Device) domain.TrustLevel {
	return e.trust.DeviceTrust(device)
}

// UserTrusted reports whether a user's identity is trusted.
func (e *Engine) UserTrusted(userID domain.UserID) bool {
	return e.trust.UserTrusted(userID)
}

// DevicesFor lists a user's known devices, refreshing stale lists first.
func (e *Engine) DevicesFor(ctx context.Context, userID domain.UserID) ([]domain.Device, error) {
	return e.devices.DevicesFor(ctx, userID)
}

// DeviceWithIdentityKey resolves a sender curve25519 key to a device.
func (e *Engine) DeviceWithIdentityKey(key domain.Curve25519Public) (domain.Device, bool, error) {
	return e.devices.DeviceByIdentityKey(key)
}

// SetDeviceTrust records a manual verification or block decision.
func (e *Engine) SetDeviceTrust(userID domain.UserID, deviceID domain.DeviceID, trust domain.TrustLevel) error {
	return e.devices.SetDeviceTrust(userID, deviceID, trust)
}

// InboundSessionCount reports held inbound sessions, optionally only those
// already backed up.
func (e *Engine) InboundSessionCount(onlyBackedUp bool) (int, error) {
	return e.group.InboundSessionCount(onlyBackedUp)
}

// Backup exposes the key backup service.
func (e *Engine) Backup() domain.BackupService { return e.backup }

// AddGossipListener registers an observer for key-share requests needing a
// user decision.
func (e *Engine) AddGossipListener(listener domain.GossipListener) {
	e.gossip.AddListener(listener)
}

// RemoveGossipListener unregisters an observer.
func (e *Engine) RemoveGossipListener(listener domain.GossipListener) {
	e.gossip.RemoveListener(listener)
}

// AcceptKeyRequest grants a surfaced key-share request.
func (e *Engine) AcceptKeyRequest(ctx context.Context, id domain.RequestID) error {
	return e.gossip.Accept(ctx, id)
}

// RefuseKeyRequest declines a surfaced key-share request with a withheld
// notice toward the requester.
func (e *Engine) RefuseKeyRequest(ctx context.Context, id domain.RequestID, code domain.WithheldCode, reason string) error {
	return e.gossip.Refuse(ctx, id, code, reason)
}

// OnNewInboundSession subscribes to inbound-session arrivals, so previously
// undecryptable events can be retried. It returns an unsubscribe func.
func (e *Engine) OnNewInboundSession(fn func(roomID domain.RoomID, senderKey domain.Curve25519Public, sessionID domain.SessionID)) func() {
	return e.notifier.Subscribe(domain.ChangeInboundSession, func(change domain.Change) {
		parts := strings.SplitN(change.Key, "|", 3)
		if len(parts) != 3 {
			return
		}
		senderKey, ok := domain.Curve25519FromB64(parts[1])
		if !ok {
			return
		}
		fn(domain.RoomID(parts[0]), senderKey, domain.SessionID(parts[2]))
	})
}

// HandleToDeviceEvent routes one event from the sync feed's to-device
// stream.
//
// Encrypted envelopes are opened on the pairwise channel first; the inner
// cleartext event is then dispatched like a plain one. Room keys, key
// requests and withheld notices each go to their service.
func (e *Engine) HandleToDeviceEvent(ctx context.Context, event domain.ToDeviceEvent) error {
	switch event.Type {
	case domain.EventEncrypted:
		return e.handleEncryptedToDevice(ctx, event)
	case domain.EventRoomKey, domain.EventForwardedRoomKey:
		// Session keys are only accepted over an encrypted channel; a
		// cleartext room_key has no authenticated sender key.
		return errs.Newf(errs.CodeBadMessage, "%s arrived unencrypted", event.Type)
	case domain.EventRoomKeyRequest:
		var content domain.RoomKeyRequestContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return errs.Wrap(errs.CodeBadMessage, "decode key request", err)
		}
		return e.gossip.HandleIncomingRequest(ctx, event.Sender, content)
	case domain.EventRoomKeyWithheld:
		var content domain.RoomKeyWithheldContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return errs.Wrap(errs.CodeBadMessage, "decode withheld notice", err)
		}
		return e.gossip.HandleWithheld(ctx, event.Sender, content)
	}
	logger.Debug("ignoring to-device event", zap.String("type", event.Type))
	return nil
}

func (e *Engine) handleEncryptedToDevice(ctx context.Context, event domain.ToDeviceEvent) error {
	var envelope domain.OlmEnvelope
	if err := json.Unmarshal(event.Content, &envelope); err != nil {
		return errs.Wrap(errs.CodeBadMessage, "decode pairwise envelope", err)
	}
	clear, err := e.pairwise.Decrypt(ctx, envelope)
	if err != nil {
		return err
	}
	var plain pairwise.Plaintext
	if err := json.Unmarshal(clear, &plain); err != nil {
		return errs.Wrap(errs.CodeBadMessage, "decode pairwise plaintext", err)
	}

	inner := domain.ToDeviceEvent{
		Type:      plain.Type,
		Sender:    plain.Sender,
		SenderKey: envelope.SenderKey,
		Content:   plain.Content,
	}
	switch inner.Type {
	case domain.EventRoomKey, domain.EventForwardedRoomKey:
		return e.group.HandleRoomKey(ctx, inner)
	}
	logger.Debug("ignoring encrypted to-device event", zap.String("type", inner.Type))
	return nil
}

// HandleMembershipChange feeds a room membership delta from the sync feed.
func (e *Engine) HandleMembershipChange(change domain.MembershipChange) error {
	return e.group.HandleMembershipChange(change)
}

// MarkDeviceListStale flags a user for re-download on next use; fed by the
// sync feed's device-list change notifications.
func (e *Engine) MarkDeviceListStale(userID domain.UserID) error {
	return e.devices.MarkStale(userID)
}

// exportFile is the payload sealed into a key export.
type exportFile struct {
	ExportedAt int64                    `json:"exported_at"`
	Sessions   []domain.ExportedSession `json:"sessions"`
}

// ExportRoomKeys writes every held inbound session into a passphrase-sealed
// blob.
func (e *Engine) ExportRoomKeys(passphrase string) ([]byte, error) {
	sessions, err := e.store.InboundSessions(false)
	if err != nil {
		return nil, err
	}
	file := exportFile{ExportedAt: time.Now().Unix()}
	for _, session := range sessions {
		exported, err := exportSession(session)
		if err != nil {
			logger.Warn("skipping session that failed to export",
				zap.String("session", session.SessionID.String()), zap.Error(err))
			continue
		}
		file.Sessions = append(file.Sessions, exported)
	}
	plaintext, err := json.Marshal(file)
	if err != nil {
		return nil, err
	}
	return crypto.SealWithPassphrase(passphrase, plaintext)
}

// ImportRoomKeys installs sessions from a passphrase-sealed export blob and
// returns how many changed local state. Imported sessions carry unverified
// provenance.
func (e *Engine) ImportRoomKeys(passphrase string, blob []byte) (int, error) {
	plaintext, err := crypto.OpenWithPassphrase(passphrase, blob)
	if err != nil {
		return 0, errs.Wrap(errs.CodeBadRecoveryKey, "open key export", err)
	}
	var file exportFile
	if err := json.Unmarshal(plaintext, &file); err != nil {
		return 0, errs.Wrap(errs.CodeBadMessage, "decode key export", err)
	}

	imported := 0
	for _, exported := range file.Sessions {
		changed, err := e.group.ImportInboundSession(exported, domain.SourceForwarded, false)
		if err != nil {
			logger.Warn("skipping export entry that failed to import",
				zap.String("session", exported.SessionID.String()), zap.Error(err))
			continue
		}
		if changed {
			imported++
		}
	}
	return imported, nil
}
