package errors

import (
	"fmt"
)

// Kind classifies a sync failure so callers can react without parsing
// messages.
type Kind int

const (
	// Unknown is the kind of errors that weren't classified.
	Unknown Kind = iota

	// RemoteUnavailable means the remote host couldn't be reached, rejected
	// our credentials, or didn't answer within the timeout.
	RemoteUnavailable

	// NotFound means the remote repository descriptor doesn't name an
	// existing repository.
	NotFound

	// ArchiveCorrupt means the fetched content couldn't be extracted.
	ArchiveCorrupt

	// FilesystemError is a local I/O failure while staging, swapping or
	// cleaning up.
	FilesystemError

	// InvalidState means an operation was attempted in a state that doesn't
	// allow it, such as swapping in a staging directory that doesn't exist.
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case RemoteUnavailable:
		return "RemoteUnavailable"
	case NotFound:
		return "NotFound"
	case ArchiveCorrupt:
		return "ArchiveCorrupt"
	case FilesystemError:
		return "FilesystemError"
	case InvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// SyncError is an error with a Kind attached.
type SyncError struct {
	Kind Kind
	Op   string
	Err  error
}

// E creates a SyncError. `op` names the operation that failed.
func E(kind Kind, op string, err error) error {
	if err == nil {
		err = New(kind.String())
	}
	return &SyncError{Kind: kind, Op: op, Err: err}
}

func (err *SyncError) Error() string {
	if err.Op == "" {
		return err.Err.Error()
	}
	return fmt.Sprintf("%s: %s", err.Op, err.Err)
}

func (err *SyncError) Unwrap() error {
	return err.Err
}

// KindOf returns the Kind of the outermost SyncError in err's chain, or
// Unknown if there is none.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if As(err, &syncErr) {
		return syncErr.Kind
	}
	return Unknown
}

// IsKind returns whether `err` was classified as `kind`.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}
