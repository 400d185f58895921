package errs

// Code classifies an engine error for callers that need to branch on the
// failure rather than the message.
type Code string

const (
	CodeNoOneTimeKey         Code = "NO_ONE_TIME_KEY"
	CodeUnknownSession       Code = "UNKNOWN_INBOUND_SESSION"
	CodeReplay               Code = "REPLAY"
	CodeKeyChangeDetected    Code = "KEY_CHANGE_DETECTED"
	CodeWithheldByPeer       Code = "WITHHELD_BY_PEER"
	CodeBackupMismatch       Code = "BACKUP_VERSION_MISMATCH"
	CodeTransportFailure     Code = "TRANSPORT_FAILURE"
	CodeStoreCorruption      Code = "STORE_CORRUPTION"
	CodeSessionCorruption    Code = "SESSION_CORRUPTION"
	CodeBadMessage           Code = "BAD_MESSAGE"
	CodeBadRecoveryKey       Code = "BAD_RECOVERY_KEY"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeCancelled            Code = "CANCELLED"
	CodeInternal             Code = "INTERNAL"
)
