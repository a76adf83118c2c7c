package session

import "time"

// Status is the externally visible phase of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSyncing
	StatusSynced
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Cause classifies the error attached to a session in StatusError.
type Cause int

const (
	CauseNone Cause = iota
	CauseTransient
	CauseEmptyLocal
	CauseRemoteNewer
	CauseDecode
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseTransient:
		return "transient"
	case CauseEmptyLocal:
		return "empty_local"
	case CauseRemoteNewer:
		return "remote_newer"
	case CauseDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// SyncState is a snapshot of one session's sync status.
type SyncState struct {
	Status                Status
	LastSynced            *time.Time
	Err                   error
	Cause                 Cause
	HasNewerRemoteVersion bool

	// dirty records local edits not yet confirmed by the remote store. It
	// survives the syncing and error phases, so a failed push returns the
	// session to pending rather than losing the fact that work is owed.
	dirty bool
}

// HasUnsavedChanges reports whether local edits are waiting to be pushed.
// It is true exactly when the session is pending, or when a push of
// pending edits is in flight or has just failed.
func (s SyncState) HasUnsavedChanges() bool {
	return s.Status == StatusPending || s.dirty
}
