package mirror

import "errors"

var (
	// ErrConfigInvalid means credentials or settings are missing or malformed. Fatal, never retried.
	ErrConfigInvalid = errors.New("mirror: invalid configuration")

	// ErrStorageUnavailable means the local state index cannot be opened or written. Fatal for the run.
	ErrStorageUnavailable = errors.New("mirror: state storage unavailable")

	// ErrTransport wraps feed and content fetch failures. Retryable.
	ErrTransport = errors.New("mirror: transport error")

	// ErrUnsafePath is returned by the Guard for targets outside the managed root.
	ErrUnsafePath = errors.New("mirror: unsafe path refused")

	// ErrTypeConflict marks a local node whose type differs from the incoming entry.
	ErrTypeConflict = errors.New("mirror: type conflict")

	ErrWorkspaceLocked = errors.New("mirror: managed root locked by another process")
	ErrResetDeclined   = errors.New("mirror: reset of managed root declined")
)
