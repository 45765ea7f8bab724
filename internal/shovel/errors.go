package shovel

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning means another run holds the lock. Callers should skip the run quietly.
	ErrAlreadyRunning = errors.New("shovel run already in progress")
	// ErrLockHeld is returned when clearing a lock that a live process still holds
	ErrLockHeld = errors.New("lock is held by a live process")
	// ErrSizeChanged means a stable file changed size between listing and transfer
	ErrSizeChanged = errors.New("file size changed since listing")
)

// SetupError aborts a run before any state is mutated: the lock is released and
// the snapshot is left exactly as the previous run wrote it.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupErr(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

// FailureKind separates per-file failures by the step that failed
type FailureKind int

const (
	// TransferFailure leaves the source untouched; the file is retried on the next run
	TransferFailure FailureKind = iota
	// ArchivalFailure means the file was uploaded but not moved. It stays in the
	// archive journal and is moved, not re-uploaded, on the next run.
	ArchivalFailure
)

func (k FailureKind) String() string {
	switch k {
	case TransferFailure:
		return "transfer"
	case ArchivalFailure:
		return "archival"
	default:
		return "unknown"
	}
}

// FileFailure is a per-file failure recorded in the RunReport
type FileFailure struct {
	Path string
	Kind FailureKind
	Err  error
}

func (f *FileFailure) Error() string {
	return fmt.Sprintf("%s failure %s: %v", f.Kind, f.Path, f.Err)
}

func (f *FileFailure) Unwrap() error {
	return f.Err
}
