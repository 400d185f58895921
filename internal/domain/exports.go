package domain

import (
	interfaces "roomcrypt/internal/domain/interfaces"
	types "roomcrypt/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID    = types.UserID
	DeviceID  = types.DeviceID
	RoomID    = types.RoomID
	SessionID = types.SessionID
	RequestID = types.RequestID
	EventID   = types.EventID
	Algorithm = types.Algorithm

	Curve25519Public  = types.Curve25519Public
	Curve25519Private = types.Curve25519Private
	Ed25519Public     = types.Ed25519Public
	Ed25519Private    = types.Ed25519Private
	Signatures        = types.Signatures

	TrustLevel       = types.TrustLevel
	TrackingStatus   = types.TrackingStatus
	Device           = types.Device
	CrossSigningKeys = types.CrossSigningKeys

	Account           = types.Account
	OneTimeKey        = types.OneTimeKey
	PairwiseSession   = types.PairwiseSession
	OlmMessageType    = types.OlmMessageType
	OlmEnvelope       = types.OlmEnvelope
	ClaimedOneTimeKey = types.ClaimedOneTimeKey

	OutboundGroupSession    = types.OutboundGroupSession
	InboundGroupSession     = types.InboundGroupSession
	RoomKeyContent          = types.RoomKeyContent
	ForwardedRoomKeyContent = types.ForwardedRoomKeyContent
	ExportedSession         = types.ExportedSession

	RequestState           = types.RequestState
	GossipRequest          = types.GossipRequest
	RoomKeyRequestContent  = types.RoomKeyRequestContent
	RoomKeyRequestBody     = types.RoomKeyRequestBody
	WithheldCode           = types.WithheldCode
	WithheldRecord         = types.WithheldRecord
	RoomKeyWithheldContent = types.RoomKeyWithheldContent

	BackupVersion        = types.BackupVersion
	BackupAuthData       = types.BackupAuthData
	BackedUpSession      = types.BackedUpSession
	EncryptedSessionData = types.EncryptedSessionData

	ToDeviceEvent    = types.ToDeviceEvent
	EncryptedEvent   = types.EncryptedEvent
	DecryptionResult = types.DecryptionResult
	DecryptionSource = types.DecryptionSource
	MembershipChange = types.MembershipChange
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	AccountStore         = interfaces.AccountStore
	DeviceStore          = interfaces.DeviceStore
	PairwiseSessionStore = interfaces.PairwiseSessionStore
	GroupSessionStore    = interfaces.GroupSessionStore
	GossipStore          = interfaces.GossipStore
	BackupStore          = interfaces.BackupStore
	RoomStateStore       = interfaces.RoomStateStore
	Store                = interfaces.Store

	Transport           = interfaces.Transport
	DeviceKeys          = interfaces.DeviceKeys
	KeyDownloadResponse = interfaces.KeyDownloadResponse
	OneTimeKeyClaim     = interfaces.OneTimeKeyClaim

	DeviceDirectory = interfaces.DeviceDirectory
	TrustEngine     = interfaces.TrustEngine
	PairwiseManager = interfaces.PairwiseManager
	GroupManager    = interfaces.GroupManager
	GossipListener  = interfaces.GossipListener
	GossipManager   = interfaces.GossipManager
	BackupService   = interfaces.BackupService

	ChangeKind = interfaces.ChangeKind
	Change     = interfaces.Change
	Notifier   = interfaces.Notifier
)

// Function re-exports for the wire decoding helpers.
var (
	Curve25519FromB64 = types.Curve25519FromB64
	Ed25519FromB64    = types.Ed25519FromB64
)

// Constant re-exports used throughout the engine.
const (
	AlgorithmOlm    = types.AlgorithmOlm
	AlgorithmMegolm = types.AlgorithmMegolm

	TrustUnverified = types.TrustUnverified
	TrustVerified   = types.TrustVerified
	TrustBlocked    = types.TrustBlocked

	TrackingUnknown  = types.TrackingUnknown
	TrackingStale    = types.TrackingStale
	TrackingUpToDate = types.TrackingUpToDate

	OlmMessagePreKey = types.OlmMessagePreKey
	OlmMessageNormal = types.OlmMessageNormal

	RequestUnsent    = types.RequestUnsent
	RequestSent      = types.RequestSent
	RequestAccepted  = types.RequestAccepted
	RequestRejected  = types.RequestRejected
	RequestCancelled = types.RequestCancelled
	RequestTimedOut  = types.RequestTimedOut

	WithheldBlacklisted  = types.WithheldBlacklisted
	WithheldUnverified   = types.WithheldUnverified
	WithheldUnauthorised = types.WithheldUnauthorised
	WithheldNotJoined    = types.WithheldNotJoined
	WithheldUnavailable  = types.WithheldUnavailable

	SourceDirect    = types.SourceDirect
	SourceForwarded = types.SourceForwarded
	SourceBackup    = types.SourceBackup

	BackupAlgorithm = types.BackupAlgorithm

	EventRoomKey          = types.EventRoomKey
	EventForwardedRoomKey = types.EventForwardedRoomKey
	EventRoomKeyRequest   = types.EventRoomKeyRequest
	EventRoomKeyWithheld  = types.EventRoomKeyWithheld
	EventEncrypted        = types.EventEncrypted

	ChangeDevice         = interfaces.ChangeDevice
	ChangeCrossSigning   = interfaces.ChangeCrossSigning
	ChangeInboundSession = interfaces.ChangeInboundSession
	ChangeGossipRequest  = interfaces.ChangeGossipRequest
)
