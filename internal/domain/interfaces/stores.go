package interfaces

import domaintypes "roomcrypt/internal/domain/types"

// AccountStore persists this device's own key material.
type AccountStore interface {
	SaveAccount(account domaintypes.Account) error
	LoadAccount() (domaintypes.Account, bool, error)
}

// DeviceStore persists known devices, tracking status, and cross-signing keys.
type DeviceStore interface {
	SaveDevice(device domaintypes.Device) error
	Device(userID domaintypes.UserID, deviceID domaintypes.DeviceID) (domaintypes.Device, bool, error)
	DeviceByIdentityKey(key domaintypes.Curve25519Public) (domaintypes.Device, bool, error)
	DevicesOf(userID domaintypes.UserID) ([]domaintypes.Device, error)
	SetTrackingStatus(userID domaintypes.UserID, status domaintypes.TrackingStatus) error
	TrackingStatus(userID domaintypes.UserID) (domaintypes.TrackingStatus, error)

	SaveCrossSigningKeys(keys domaintypes.CrossSigningKeys) error
	CrossSigningKeys(userID domaintypes.UserID) (domaintypes.CrossSigningKeys, bool, error)
}

// PairwiseSessionStore persists double-ratchet sessions per peer identity key.
// Multiple sessions per peer are retained; at most one is active.
type PairwiseSessionStore interface {
	SavePairwiseSession(session domaintypes.PairwiseSession) error
	ActivePairwiseSession(peer domaintypes.Curve25519Public) (domaintypes.PairwiseSession, bool, error)
	PairwiseSessionByID(peer domaintypes.Curve25519Public, id domaintypes.SessionID) (domaintypes.PairwiseSession, bool, error)
	PairwiseSessionsOf(peer domaintypes.Curve25519Public) ([]domaintypes.PairwiseSession, error)
}

// GroupSessionStore persists outbound and inbound group sessions.
type GroupSessionStore interface {
	// SaveOutboundWithShares writes the session state and its share records
	// in one transaction, so a crash cannot leave the network ahead of the
	// local state.
	SaveOutboundWithShares(session domaintypes.OutboundGroupSession) error
	OutboundSession(roomID domaintypes.RoomID) (domaintypes.OutboundGroupSession, bool, error)
	DiscardOutboundSession(roomID domaintypes.RoomID) error

	SaveInboundSession(session domaintypes.InboundGroupSession) error
	InboundSession(roomID domaintypes.RoomID, senderKey domaintypes.Curve25519Public, id domaintypes.SessionID) (domaintypes.InboundGroupSession, bool, error)
	InboundSessions(onlyNotBackedUp bool) ([]domaintypes.InboundGroupSession, error)
	InboundSessionCount(onlyBackedUp bool) (int, error)
	MarkInboundBackedUp(keys []string) error
	ClearBackupFlags() error

	// Replay ledger: digest of the ciphertext seen at (session, index).
	MessageIndexDigest(sessionKey string, index uint32) (string, bool, error)
	RecordMessageIndex(sessionKey string, index uint32, digest string) error
}

// GossipStore persists key-share requests and withheld records.
type GossipStore interface {
	SaveGossipRequest(request domaintypes.GossipRequest) error
	GossipRequest(id domaintypes.RequestID) (domaintypes.GossipRequest, bool, error)
	GossipRequestForSession(roomID domaintypes.RoomID, senderKey domaintypes.Curve25519Public, sessionID domaintypes.SessionID, outgoing bool) (domaintypes.GossipRequest, bool, error)
	PendingGossipRequests() ([]domaintypes.GossipRequest, error)

	SaveWithheldRecord(record domaintypes.WithheldRecord) error
	WithheldRecord(roomID domaintypes.RoomID, sessionID domaintypes.SessionID) (domaintypes.WithheldRecord, bool, error)
	WithheldRecords(roomID domaintypes.RoomID, sessionID domaintypes.SessionID) ([]domaintypes.WithheldRecord, error)
}

// BackupStore persists the trusted backup version.
type BackupStore interface {
	SaveBackupVersion(version domaintypes.BackupVersion) error
	BackupVersion() (domaintypes.BackupVersion, bool, error)
	DeleteBackupVersion() error
}

// RoomStateStore tracks the membership and encryption policy the engine
// needs for share decisions; it is fed by sync deltas, not by this engine.
type RoomStateStore interface {
	SetMembers(roomID domaintypes.RoomID, members []domaintypes.UserID) error
	Members(roomID domaintypes.RoomID) ([]domaintypes.UserID, error)
	ApplyMembershipChange(change domaintypes.MembershipChange) error

	SetRoomBlacklistUnverified(roomID domaintypes.RoomID, blacklist bool) error
	RoomBlacklistUnverified(roomID domaintypes.RoomID) (bool, error)
}

// Store is the full persistent store contract assembled from the per-entity
// slices above.
type Store interface {
	AccountStore
	DeviceStore
	PairwiseSessionStore
	GroupSessionStore
	GossipStore
	BackupStore
	RoomStateStore
}
