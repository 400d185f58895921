// Package backup maintains the server-side encrypted copy of our inbound
// group sessions, recoverable with a private recovery key.
package backup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/logger"
	"roomcrypt/internal/protocol/megolm"
)

// Config bounds upload batching and scheduling.
type Config struct {
	// BatchSize is the number of sessions sent per upload request.
	BatchSize int
	// UploadDebounce is how long the worker waits after a new session
	// lands before uploading, so a burst of arrivals rides one request.
	UploadDebounce time.Duration
}

// Service encrypts inbound sessions under the backup recovery key and keeps
// the server copy complete.
type Service struct {
	cfg       Config
	store     domain.Store
	transport domain.Transport
	group     domain.GroupManager

	kick chan struct{}
}

// New constructs a backup service and subscribes it to inbound-session
// arrivals so the upload worker picks up new keys without being told.
func New(cfg Config, store domain.Store, notifier domain.Notifier, transport domain.Transport, group domain.GroupManager) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		transport: transport,
		group:     group,
		kick:      make(chan struct{}, 1),
	}
	notifier.Subscribe(domain.ChangeInboundSession, s.onInboundSession)
	return s
}

var _ domain.BackupService = (*Service)(nil)

// onInboundSession runs on the mutating goroutine and must not block.
func (s *Service) onInboundSession(domain.Change) {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives background uploads until ctx is cancelled. Each kick from a
// newly stored session is debounced, then everything pending goes up in one
// UploadPending pass. Without a trusted version the kick is dropped; the
// sessions stay flagged and upload once a version exists.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.UploadDebounce):
		}
		s.uploadIfTrusted(ctx)
	}
}

func (s *Service) uploadIfTrusted(ctx context.Context) {
	_, ok, err := s.store.BackupVersion()
	if err != nil {
		logger.Error("loading trusted backup version", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if _, err := s.UploadPending(ctx); err != nil {
		logger.Warn("background backup upload failed", zap.Error(err))
	}
}

// Version returns the locally trusted backup version, if any.
func (s *Service) Version() (domain.BackupVersion, bool, error) {
	return s.store.BackupVersion()
}

// CreateVersion creates and trusts a fresh backup version.
//
// Steps:
//  1. Generate the recovery key pair; only the public half leaves this call
//     for the server.
//  2. Sign the auth data with our device signing key and register the
//     version.
//  3. Reset all local backed-up flags, so every held session re-uploads
//     under the new version.
//
// The returned private key is shown to the user once and never stored.
func (s *Service) CreateVersion(ctx context.Context) (domain.BackupVersion, domain.Curve25519Private, error) {
	recoveryPriv, recoveryPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.BackupVersion{}, domain.Curve25519Private{}, err
	}

	account, ok, err := s.store.LoadAccount()
	if err != nil {
		return domain.BackupVersion{}, domain.Curve25519Private{}, err
	}
	if !ok {
		return domain.BackupVersion{}, domain.Curve25519Private{}, errs.New(errs.CodeInternal, "account not initialised")
	}

	authData := domain.BackupAuthData{
		PublicKey:  recoveryPub.B64(),
		Signatures: domain.Signatures{},
	}
	sig := crypto.Sign(account.SigningPriv, []byte(authData.PublicKey))
	authData.Signatures.Set(account.UserID, "ed25519:"+account.DeviceID.String(), crypto.B64(sig))

	version := domain.BackupVersion{
		Algorithm: domain.BackupAlgorithm,
		AuthData:  authData,
	}
	name, err := s.transport.PutBackupVersion(ctx, version)
	if err != nil {
		return domain.BackupVersion{}, domain.Curve25519Private{}, err
	}
	version.Version = name

	if err := s.store.SaveBackupVersion(version); err != nil {
		return domain.BackupVersion{}, domain.Curve25519Private{}, err
	}
	if err := s.store.ClearBackupFlags(); err != nil {
		return domain.BackupVersion{}, domain.Curve25519Private{}, err
	}
	logger.Info("created key backup version", zap.String("version", name))
	return version, recoveryPriv, nil
}

// UploadPending encrypts and uploads every session not yet in the backup,
// in batches, and returns how many were uploaded.
//
// A NOT_FOUND answer from the server means our trusted version is gone and
// surfaces as BACKUP_VERSION_MISMATCH; the caller re-creates or re-trusts a
// version before retrying.
func (s *Service) UploadPending(ctx context.Context) (int, error) {
	version, ok, err := s.store.BackupVersion()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.New(errs.CodeNotFound, "no trusted backup version")
	}
	recoveryPub, ok := domain.Curve25519FromB64(version.AuthData.PublicKey)
	if !ok {
		return 0, errs.New(errs.CodeStoreCorruption, "malformed recovery key in trusted version")
	}

	pending, err := s.store.InboundSessions(true)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for start := 0; start < len(pending); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		batch := make([]domain.BackedUpSession, 0, len(chunk))
		keys := make([]string, 0, len(chunk))
		for _, session := range chunk {
			record, err := s.encryptSession(recoveryPub, session)
			if err != nil {
				logger.Warn("skipping session that failed to encrypt for backup",
					zap.String("session", session.SessionID.String()), zap.Error(err))
				continue
			}
			batch = append(batch, record)
			keys = append(keys, session.InboundKey())
		}
		if len(batch) == 0 {
			continue
		}

		if err := s.transport.UploadRoomKeys(ctx, version.Version, batch); err != nil {
			if errs.Is(err, errs.CodeNotFound) {
				return uploaded, errs.Wrap(errs.CodeBackupMismatch,
					"server no longer has version "+version.Version, err)
			}
			return uploaded, err
		}
		if err := s.store.MarkInboundBackedUp(keys); err != nil {
			return uploaded, err
		}
		uploaded += len(batch)
	}
	if uploaded > 0 {
		logger.Info("uploaded sessions to key backup",
			zap.String("version", version.Version), zap.Int("count", uploaded))
	}
	return uploaded, nil
}

func (s *Service) encryptSession(recoveryPub domain.Curve25519Public, session domain.InboundGroupSession) (domain.BackedUpSession, error) {
	inbound, err := megolm.Unpickle(session.Pickle)
	if err != nil {
		return domain.BackedUpSession{}, errs.Wrap(errs.CodeSessionCorruption, "unpickle inbound group session", err)
	}
	exportedKey, err := inbound.ExportAt(session.FirstKnownIndex)
	if err != nil {
		return domain.BackedUpSession{}, err
	}
	exported := domain.ExportedSession{
		Algorithm:            domain.AlgorithmMegolm,
		RoomID:               session.RoomID,
		SenderKey:            session.SenderKey.B64(),
		SessionID:            session.SessionID,
		SessionKey:           exportedKey,
		FirstKnownIndex:      session.FirstKnownIndex,
		ForwardingKeyChain:   session.ForwardingChain,
		SenderClaimedEd25519: session.SenderClaimedEd25519,
	}
	data, err := sealSession(recoveryPub, exported)
	if err != nil {
		return domain.BackedUpSession{}, err
	}
	return domain.BackedUpSession{
		RoomID:          session.RoomID,
		SessionID:       session.SessionID,
		FirstKnownIndex: session.FirstKnownIndex,
		ForwardedCount:  len(session.ForwardingChain),
		IsVerified:      session.TrustedSource,
		SessionData:     data,
	}, nil
}

// Restore downloads and imports a backup, returning how many sessions were
// installed.
//
// Steps:
//  1. Resolve the version (the server's current one when unnamed) and check
//     the recovery key against its public half.
//  2. Download all blobs and decrypt each with the recovery key.
//  3. Import each session; existing sessions are only replaced when the
//     restored copy knows earlier history.
//
// Restored sessions count as unverified provenance: the backup proves key
// possession, not who put the key there.
func (s *Service) Restore(ctx context.Context, version string, recoveryKey domain.Curve25519Private) (int, error) {
	info, err := s.transport.GetBackupVersion(ctx, version)
	if err != nil {
		return 0, err
	}
	if info.Algorithm != domain.BackupAlgorithm {
		return 0, errs.Newf(errs.CodeBackupMismatch, "unsupported backup algorithm %q", info.Algorithm)
	}
	derivedPub, err := crypto.PublicOf(recoveryKey)
	if err != nil {
		return 0, err
	}
	if derivedPub.B64() != info.AuthData.PublicKey {
		return 0, errs.New(errs.CodeBadRecoveryKey, "recovery key does not match backup version")
	}

	blobs, err := s.transport.GetRoomKeys(ctx, info.Version, "", "")
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, blob := range blobs {
		exported, err := openSession(recoveryKey, blob.SessionData)
		if err != nil {
			logger.Warn("skipping backup blob that failed to decrypt",
				zap.String("session", blob.SessionID.String()), zap.Error(err))
			continue
		}
		changed, err := s.group.ImportInboundSession(exported, domain.SourceBackup, false)
		if err != nil {
			logger.Warn("skipping backup session that failed to import",
				zap.String("session", blob.SessionID.String()), zap.Error(err))
			continue
		}
		if changed {
			imported++
		}
	}
	logger.Info("restored sessions from key backup",
		zap.String("version", info.Version), zap.Int("count", imported))
	return imported, nil
}
