package shovel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

const lockOwnerFile = "owner"

// LockOwner is written into the lock marker so operators can tell who holds it
type LockOwner struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockStatus describes the marker as found on disk
type LockStatus struct {
	Exists bool
	// Held is true when a live process holds the owner file's flock
	Held  bool
	Owner *LockOwner
	Age   time.Duration
}

// RunLock guards a destination root so that only one run touches it at a time.
// The marker is a directory, created atomically with mkdir. While a run is
// active the owner file inside it is flocked, which lets a later run tell an
// abandoned marker from a live one.
type RunLock struct {
	dir        string
	staleAfter time.Duration
	clock      clockwork.Clock
}

type RunLockOption func(*RunLock)

// WithStaleAfter lets Acquire clear a marker older than d whose owner is gone.
// Zero, the default, never clears a marker automatically.
func WithStaleAfter(d time.Duration) RunLockOption {
	return func(l *RunLock) {
		l.staleAfter = d
	}
}

func WithClock(clock clockwork.Clock) RunLockOption {
	return func(l *RunLock) {
		l.clock = clock
	}
}

func NewRunLock(dir string, opts ...RunLockOption) *RunLock {
	l := &RunLock{
		dir:   dir,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RunLock) Path() string {
	return l.dir
}

func (l *RunLock) ownerPath() string {
	return filepath.Join(l.dir, lockOwnerFile)
}

// Acquire creates the marker. It returns ErrAlreadyRunning when the marker
// already exists, and never removes a marker it did not create unless the stale
// lock threshold is enabled and exceeded.
func (l *RunLock) Acquire(runID string) (*LockHandle, error) {
	if err := os.MkdirAll(filepath.Dir(l.dir), 0o755); err != nil {
		return nil, fmt.Errorf("create lock parent: %w", err)
	}

	err := os.Mkdir(l.dir, 0o755)
	if errors.Is(err, fs.ErrExist) && l.staleAfter > 0 {
		cleared, clearErr := l.clearIfStale()
		if clearErr != nil {
			return nil, clearErr
		}
		if cleared {
			err = os.Mkdir(l.dir, 0o755)
		}
	}
	if errors.Is(err, fs.ErrExist) {
		return nil, ErrAlreadyRunning
	} else if err != nil {
		return nil, fmt.Errorf("create lock %s: %w", l.dir, err)
	}

	handle, err := l.claim(runID)
	if err != nil {
		// the marker is ours, so it is safe to remove it again
		_ = os.RemoveAll(l.dir)
		return nil, err
	}
	return handle, nil
}

func (l *RunLock) claim(runID string) (*LockHandle, error) {
	host, _ := os.Hostname()
	owner := &LockOwner{
		RunID:      runID,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: l.clock.Now().UTC(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(l.ownerPath(), data, 0o644); err != nil {
		return nil, fmt.Errorf("write lock owner: %w", err)
	}

	fl := flock.New(l.ownerPath())
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("flock lock owner: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	slog.Debug("lock acquired", "path", l.dir, "run", runID)
	return &LockHandle{lock: l, flock: fl, owner: owner}, nil
}

// Inspect reports the marker state without modifying it
func (l *RunLock) Inspect() (*LockStatus, error) {
	info, err := os.Stat(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return &LockStatus{}, nil
	} else if err != nil {
		return nil, err
	}

	status := &LockStatus{Exists: true}
	acquiredAt := info.ModTime()

	data, err := os.ReadFile(l.ownerPath())
	switch {
	case err == nil:
		var owner LockOwner
		if jsonErr := json.Unmarshal(data, &owner); jsonErr == nil {
			status.Owner = &owner
			if !owner.AcquiredAt.IsZero() {
				acquiredAt = owner.AcquiredAt
			}
		}
		held, err := l.ownerHeld()
		if err != nil {
			return nil, err
		}
		status.Held = held
	case errors.Is(err, fs.ErrNotExist):
		// crashed between mkdir and writing the owner; nobody can hold it
	default:
		return nil, err
	}

	status.Age = l.clock.Now().Sub(acquiredAt)
	return status, nil
}

// ForceClear removes the marker. It refuses while a live process holds the
// owner file unless force is set.
func (l *RunLock) ForceClear(force bool) error {
	status, err := l.Inspect()
	if err != nil {
		return err
	}
	if !status.Exists {
		return nil
	}
	if status.Held && !force {
		return ErrLockHeld
	}
	slog.Warn("clearing lock", "path", l.dir, "held", status.Held, "age", status.Age)
	return os.RemoveAll(l.dir)
}

func (l *RunLock) ownerHeld() (bool, error) {
	probe := flock.New(l.ownerPath())
	defer probe.Close()

	locked, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe lock owner: %w", err)
	}
	return !locked, nil
}

func (l *RunLock) clearIfStale() (bool, error) {
	status, err := l.Inspect()
	if err != nil {
		return false, fmt.Errorf("inspect lock: %w", err)
	}
	if !status.Exists {
		return true, nil
	}
	if status.Held || status.Age < l.staleAfter {
		return false, nil
	}

	slog.Warn("clearing stale lock", "path", l.dir, "age", status.Age, "staleAfter", l.staleAfter)
	if err := os.RemoveAll(l.dir); err != nil {
		return false, fmt.Errorf("clear stale lock: %w", err)
	}
	return true, nil
}

// ===================================================================================================

// LockHandle is an acquired RunLock. Release is safe to call more than once.
type LockHandle struct {
	lock  *RunLock
	flock *flock.Flock
	owner *LockOwner

	once sync.Once
	err  error
}

func (h *LockHandle) Owner() LockOwner {
	return *h.owner
}

func (h *LockHandle) Release() error {
	h.once.Do(func() {
		if err := h.flock.Unlock(); err != nil {
			slog.Warn("unlock lock owner", "error", err)
		}
		if err := os.Remove(h.lock.ownerPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = fmt.Errorf("remove lock owner: %w", err)
			return
		}
		if err := os.Remove(h.lock.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = fmt.Errorf("remove lock %s: %w", h.lock.dir, err)
			return
		}
		slog.Debug("lock released", "path", h.lock.dir, "run", h.owner.RunID)
	})
	return h.err
}
