package app

import "time"

// Config holds runtime wiring options for building the engine.
type Config struct {
	// DBPath is the sqlite database file, e.g. $HOME/.roomcrypt/state.db.
	DBPath string
	// ServerURL is the homeserver base URL.
	ServerURL string
	// AccessToken authenticates homeserver calls.
	AccessToken string

	// UserID and DeviceID identify this device.
	UserID   string
	DeviceID string

	// RotationMessageCount is the outbound session message ceiling.
	RotationMessageCount uint32
	// RotationPeriod is the outbound session age ceiling.
	RotationPeriod time.Duration
	// BlacklistUnverified withholds keys from unverified devices globally.
	BlacklistUnverified bool

	// ShareKeysWithOwnDevices serves key requests from any own device,
	// skipping the verification check.
	ShareKeysWithOwnDevices bool
	// GossipRetryInterval is the base resend delay for key requests.
	GossipRetryInterval time.Duration
	// GossipMaxAttempts bounds resends before a request times out.
	GossipMaxAttempts int

	// BackupBatchSize is the number of sessions per backup upload.
	BackupBatchSize int
	// BackupUploadDebounce delays background uploads after a session
	// arrives so bursts coalesce into one request.
	BackupUploadDebounce time.Duration
	// OneTimeKeyTarget is the published one-time key pool size.
	OneTimeKeyTarget int
}

// Defaults fills unset fields with production values.
func (c Config) Defaults() Config {
	if c.RotationMessageCount == 0 {
		c.RotationMessageCount = 100
	}
	if c.RotationPeriod == 0 {
		c.RotationPeriod = 168 * time.Hour
	}
	if c.GossipRetryInterval == 0 {
		c.GossipRetryInterval = 30 * time.Second
	}
	if c.GossipMaxAttempts == 0 {
		c.GossipMaxAttempts = 6
	}
	if c.BackupBatchSize == 0 {
		c.BackupBatchSize = 100
	}
	if c.BackupUploadDebounce == 0 {
		c.BackupUploadDebounce = 10 * time.Second
	}
	if c.OneTimeKeyTarget == 0 {
		c.OneTimeKeyTarget = 50
	}
	return c
}
