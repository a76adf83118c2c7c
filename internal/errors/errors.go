package errors

import "errors"

// Sync engine errors. These are attached to a session's state rather than
// returned, so callers can tell a guard trip from a transient failure.
var (
	ErrEmptyLocal   = errors.New("local data is empty while remote has data")
	ErrRemoteNewer  = errors.New("remote has newer changes")
	ErrRemoteFailed = errors.New("remote store request failed")
	ErrNoHeldRemote = errors.New("no newer remote version held")
	ErrDecode       = errors.New("remote payload is not valid JSON")
	ErrClosed       = errors.New("session closed")
)

// Table registry errors.
var (
	ErrUnknownTable    = errors.New("unknown table")
	ErrMissingKeyField = errors.New("missing key field")
)

// Snapshot and restore errors.
var (
	ErrKeyRequired      = errors.New("encryption key required")
	ErrDecrypt          = errors.New("decrypting snapshot")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
	ErrNoFullSnapshot   = errors.New("no full snapshot found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrSnapshotExists   = errors.New("snapshot already exists")
	ErrRegistryMismatch = errors.New("snapshot key registry version mismatch")
	ErrApplyFailed      = errors.New("restore failed for one or more tables")
	ErrAborted          = errors.New("aborted by operator")
	ErrNotInteractive   = errors.New("confirmation required but stdin is not a terminal")
)

// Mirror errors.
var (
	ErrPathNotAllowed = errors.New("path not allowed")
	ErrNotEntityFile  = errors.New("not an entity file")
)
