package types

// BackupAuthData is the public half of a backup version: the recovery
// public key plus signatures binding it to the creating device.
type BackupAuthData struct {
	PublicKey  string     `json:"public_key"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// BackupVersion describes one server-side key backup. At most one version is
// current; creating a new version stops uploads to the old one but leaves its
// blobs on the server.
type BackupVersion struct {
	Version   string         `json:"version"`
	Algorithm string         `json:"algorithm"`
	AuthData  BackupAuthData `json:"auth_data"`
	Count     int            `json:"count,omitempty"`
}

// BackupAlgorithm is the only backup algorithm this engine produces.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// EncryptedSessionData is one session encrypted under the backup recovery
// key: an ephemeral Curve25519 public key and an AEAD ciphertext.
type EncryptedSessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
}

// BackedUpSession is the uploadable record for one inbound group session.
type BackedUpSession struct {
	RoomID          RoomID               `json:"room_id"`
	SessionID       SessionID            `json:"session_id"`
	FirstKnownIndex uint32               `json:"first_message_index"`
	ForwardedCount  int                  `json:"forwarded_count"`
	IsVerified      bool                 `json:"is_verified"`
	SessionData     EncryptedSessionData `json:"session_data"`
}
