package shovel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/shovel/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLock_AcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dest", "shovel-lock")
	lock := NewRunLock(dir)

	handle, err := lock.Acquire("run-1")
	require.NoError(t, err)
	assert.True(t, utils.DirExists(dir))
	assert.Equal(t, "run-1", handle.Owner().RunID)
	assert.Equal(t, os.Getpid(), handle.Owner().PID)

	status, err := lock.Inspect()
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.True(t, status.Held)
	require.NotNil(t, status.Owner)
	assert.Equal(t, "run-1", status.Owner.RunID)

	require.NoError(t, handle.Release())
	assert.False(t, utils.DirExists(dir))

	// releasing again is a no-op
	require.NoError(t, handle.Release())

	status, err = lock.Inspect()
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestRunLock_SecondAcquireFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shovel-lock")
	lock := NewRunLock(dir)

	handle, err := lock.Acquire("run-1")
	require.NoError(t, err)
	defer handle.Release()

	_, err = NewRunLock(dir).Acquire("run-2")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, utils.DirExists(dir), "failed acquire must not remove a lock it did not create")
}

func TestRunLock_PreExistingMarkerUntouched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shovel-lock")
	require.NoError(t, os.Mkdir(dir, 0o755))
	sentinel := filepath.Join(dir, "operator-note")
	require.NoError(t, os.WriteFile(sentinel, []byte("investigating"), 0o644))

	_, err := NewRunLock(dir).Acquire("run-1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, utils.FileExists(sentinel))
}

func TestRunLock_StaleMarkerCleared(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shovel-lock")
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	// an abandoned run: owner file written, flock long gone
	crashed := NewRunLock(dir, WithClock(clock))
	handle, err := crashed.Acquire("crashed")
	require.NoError(t, err)
	require.NoError(t, handle.flock.Unlock())

	lock := NewRunLock(dir, WithStaleAfter(time.Hour), WithClock(clock))

	clock.Advance(30 * time.Minute)
	_, err = lock.Acquire("too-early")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	clock.Advance(time.Hour)
	fresh, err := lock.Acquire("fresh")
	require.NoError(t, err)
	defer fresh.Release()

	status, err := lock.Inspect()
	require.NoError(t, err)
	require.NotNil(t, status.Owner)
	assert.Equal(t, "fresh", status.Owner.RunID)
}

func TestRunLock_HeldMarkerNeverStale(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shovel-lock")
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	live, err := NewRunLock(dir, WithClock(clock)).Acquire("live")
	require.NoError(t, err)
	defer live.Release()

	clock.Advance(48 * time.Hour)
	_, err = NewRunLock(dir, WithStaleAfter(time.Hour), WithClock(clock)).Acquire("other")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRunLock_ForceClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shovel-lock")
	lock := NewRunLock(dir)

	// nothing to clear
	require.NoError(t, lock.ForceClear(false))

	handle, err := lock.Acquire("live")
	require.NoError(t, err)

	assert.ErrorIs(t, lock.ForceClear(false), ErrLockHeld)
	assert.True(t, utils.DirExists(dir))

	require.NoError(t, lock.ForceClear(true))
	assert.False(t, utils.DirExists(dir))
	// the holder's release tolerates the marker being gone
	require.NoError(t, handle.Release())
}

func TestRunLock_ForceClearBareMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shovel-lock")
	require.NoError(t, os.Mkdir(dir, 0o755))

	lock := NewRunLock(dir)
	status, err := lock.Inspect()
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.False(t, status.Held)
	assert.Nil(t, status.Owner)

	require.NoError(t, lock.ForceClear(false))
	assert.False(t, utils.DirExists(dir))
}
