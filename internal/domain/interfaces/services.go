package interfaces

import (
	"context"

	domaintypes "roomcrypt/internal/domain/types"
)

// DeviceDirectory tracks per-user devices and their identity keys.
type DeviceDirectory interface {
	// DevicesFor returns the known devices of a user, refreshing from the
	// server first when the tracking status is Stale or Unknown.
	DevicesFor(ctx context.Context, userID domaintypes.UserID) ([]domaintypes.Device, error)
	// DownloadKeys fetches device lists for the given users. With force set
	// it refreshes even up-to-date users. An identity key that changed for
	// an existing device id fails with KeyChangeDetected.
	DownloadKeys(ctx context.Context, userIDs []domaintypes.UserID, force bool) error
	DeviceByIdentityKey(key domaintypes.Curve25519Public) (domaintypes.Device, bool, error)
	SetDeviceTrust(userID domaintypes.UserID, deviceID domaintypes.DeviceID, trust domaintypes.TrustLevel) error
	MarkStale(userID domaintypes.UserID) error
}

// TrustEngine computes device and user trust from the signature graph.
// Both computations are pure functions of the stored signed data.
type TrustEngine interface {
	DeviceTrust(device domaintypes.Device) domaintypes.TrustLevel
	UserTrusted(userID domaintypes.UserID) bool
}

// PairwiseManager owns the double-ratchet channels to peer devices.
type PairwiseManager interface {
	// EnsureSession returns the active session for a peer device, creating
	// one by claiming a one-time key when absent. Fails with
	// NoOneTimeKeyAvailable when the server has none left.
	EnsureSession(ctx context.Context, device domaintypes.Device) (domaintypes.PairwiseSession, error)
	// Encrypt advances the sender ratchet and persists the session before
	// returning; an encrypt whose persist fails is a session-corruption
	// condition, not a retriable error.
	Encrypt(ctx context.Context, device domaintypes.Device, eventType string, payload any) (domaintypes.OlmEnvelope, error)
	// Decrypt opens an envelope with the session named inside it, creating
	// an inbound session from a pre-key message when none exists.
	Decrypt(ctx context.Context, envelope domaintypes.OlmEnvelope) ([]byte, error)
}

// GroupManager owns outbound and inbound group sessions per room.
type GroupManager interface {
	EncryptForRoom(ctx context.Context, roomID domaintypes.RoomID, eventType string, plaintext []byte) (domaintypes.EncryptedEvent, error)
	DecryptRoomEvent(ctx context.Context, event domaintypes.EncryptedEvent) domaintypes.DecryptionResult
	PrepareToEncrypt(ctx context.Context, roomID domaintypes.RoomID) error
	DiscardOutboundSession(roomID domaintypes.RoomID) error
	// ImportInboundSession installs a session from gossip or backup and
	// reports whether it replaced or created local state.
	ImportInboundSession(exported domaintypes.ExportedSession, source domaintypes.DecryptionSource, trusted bool) (bool, error)
	HandleRoomKey(ctx context.Context, event domaintypes.ToDeviceEvent) error
	HandleMembershipChange(change domaintypes.MembershipChange) error
	InboundSessionCount(onlyBackedUp bool) (int, error)
}

// GossipListener observes incoming key-share requests that were not resolved
// automatically, e.g. to drive a consent prompt.
type GossipListener interface {
	OnRoomKeyRequest(request domaintypes.GossipRequest)
	OnRequestCancelled(request domaintypes.GossipRequest)
}

// GossipManager orchestrates outgoing and incoming key-share requests.
type GossipManager interface {
	RequestSessionIfMissing(ctx context.Context, body domaintypes.RoomKeyRequestBody) (domaintypes.RequestID, error)
	HandleIncomingRequest(ctx context.Context, sender domaintypes.UserID, content domaintypes.RoomKeyRequestContent) error
	HandleWithheld(ctx context.Context, sender domaintypes.UserID, content domaintypes.RoomKeyWithheldContent) error
	CancelRequest(ctx context.Context, id domaintypes.RequestID) error
	// Accept and Refuse resolve an incoming request that was surfaced to
	// listeners instead of being answered automatically.
	Accept(ctx context.Context, id domaintypes.RequestID) error
	Refuse(ctx context.Context, id domaintypes.RequestID, code domaintypes.WithheldCode, reason string) error
	AddListener(listener GossipListener)
	RemoveListener(listener GossipListener)
}

// BackupService maintains the server-side encrypted key backup.
type BackupService interface {
	Version() (domaintypes.BackupVersion, bool, error)
	// CreateVersion makes and trusts a fresh backup version and returns the
	// private recovery key the user must keep. All local backed-up flags
	// are reset so every session re-uploads under the new version.
	CreateVersion(ctx context.Context) (domaintypes.BackupVersion, domaintypes.Curve25519Private, error)
	UploadPending(ctx context.Context) (int, error)
	Restore(ctx context.Context, version string, recoveryKey domaintypes.Curve25519Private) (int, error)
}
