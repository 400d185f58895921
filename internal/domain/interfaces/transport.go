package interfaces

import (
	"context"
	"encoding/json"

	domaintypes "roomcrypt/internal/domain/types"
)

// DeviceKeys is the published key bundle for one device.
type DeviceKeys struct {
	UserID      domaintypes.UserID           `json:"user_id"`
	DeviceID    domaintypes.DeviceID         `json:"device_id"`
	Algorithms  []domaintypes.Algorithm      `json:"algorithms"`
	IdentityKey string                       `json:"identity_key"`
	SigningKey  string                       `json:"signing_key"`
	DisplayName string                       `json:"display_name,omitempty"`
	Signatures  domaintypes.Signatures       `json:"signatures,omitempty"`
}

// KeyDownloadResponse maps user to device id to published keys. Devices
// absent from a user's map have been removed server-side.
type KeyDownloadResponse struct {
	DeviceKeys   map[domaintypes.UserID]map[domaintypes.DeviceID]DeviceKeys   `json:"device_keys"`
	CrossSigning map[domaintypes.UserID]domaintypes.CrossSigningKeys          `json:"cross_signing,omitempty"`
}

// OneTimeKeyClaim asks for one key per listed device.
type OneTimeKeyClaim map[domaintypes.UserID][]domaintypes.DeviceID

// Transport is the REST collaborator. Every call is context-bound and
// individually retryable; implementations must not retain request slices.
type Transport interface {
	ClaimOneTimeKeys(ctx context.Context, claim OneTimeKeyClaim) ([]domaintypes.ClaimedOneTimeKey, error)
	UploadDeviceKeys(ctx context.Context, keys DeviceKeys, oneTimeKeys map[string]string) error
	DownloadDeviceKeys(ctx context.Context, userIDs []domaintypes.UserID) (KeyDownloadResponse, error)
	SendToDevice(ctx context.Context, eventType string, userID domaintypes.UserID, deviceID domaintypes.DeviceID, payload json.RawMessage) error

	GetBackupVersion(ctx context.Context, version string) (domaintypes.BackupVersion, error)
	PutBackupVersion(ctx context.Context, version domaintypes.BackupVersion) (string, error)
	UploadRoomKeys(ctx context.Context, version string, batch []domaintypes.BackedUpSession) error
	GetRoomKeys(ctx context.Context, version string, roomID domaintypes.RoomID, sessionID domaintypes.SessionID) ([]domaintypes.BackedUpSession, error)
}
