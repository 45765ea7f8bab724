package shovel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, path string) *ArchiveJournal {
	t.Helper()
	journal := NewArchiveJournal(path)
	require.NoError(t, journal.Open())
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestArchiveJournal_MarkAndRemove(t *testing.T) {
	journal := openTestJournal(t, filepath.Join(t.TempDir(), "shovel.db"))
	uploadedAt := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, journal.MarkUploaded(&PendingArchive{Path: "b/c.txt", Size: 250, Key: "b/c.txt", ETag: "e2", UploadedAt: uploadedAt}))
	require.NoError(t, journal.MarkUploaded(&PendingArchive{Path: "a.txt", Size: 100, Key: "a.txt", ETag: "e1", UploadedAt: uploadedAt}))

	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, &PendingArchive{Path: "a.txt", Size: 100, Key: "a.txt", ETag: "e1", UploadedAt: uploadedAt}, pending[0])
	assert.Equal(t, "b/c.txt", pending[1].Path)

	paths, err := journal.PendingPaths()
	require.NoError(t, err)
	assert.True(t, paths.Contains("a.txt"))
	assert.True(t, paths.Contains("b/c.txt"))

	require.NoError(t, journal.Remove("a.txt"))
	require.NoError(t, journal.Remove("never-added"))

	pending, err = journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b/c.txt", pending[0].Path)
}

func TestArchiveJournal_MarkReplaces(t *testing.T) {
	journal := openTestJournal(t, filepath.Join(t.TempDir(), "shovel.db"))

	require.NoError(t, journal.MarkUploaded(&PendingArchive{Path: "a.txt", Size: 1, Key: "a.txt", ETag: "old"}))
	require.NoError(t, journal.MarkUploaded(&PendingArchive{Path: "a.txt", Size: 2, Key: "a.txt", ETag: "new"}))

	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ETag)
	assert.Equal(t, uint64(2), pending[0].Size)
	assert.False(t, pending[0].UploadedAt.IsZero())
}

func TestArchiveJournal_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shovel.db")

	journal := NewArchiveJournal(path)
	require.NoError(t, journal.Open())
	require.NoError(t, journal.MarkUploaded(&PendingArchive{Path: "a.txt", Size: 1, Key: "a.txt", ETag: "e"}))
	require.NoError(t, journal.Close())

	reopened := openTestJournal(t, path)
	paths, err := reopened.PendingPaths()
	require.NoError(t, err)
	assert.True(t, paths.Contains("a.txt"))
}

func TestArchiveJournal_OpenTwice(t *testing.T) {
	journal := openTestJournal(t, filepath.Join(t.TempDir(), "shovel.db"))
	assert.Error(t, journal.Open())
}

func TestArchiveJournal_CloseUnopened(t *testing.T) {
	assert.NoError(t, NewArchiveJournal("unused").Close())
}

func TestArchiveJournal_MarkNil(t *testing.T) {
	journal := openTestJournal(t, filepath.Join(t.TempDir(), "shovel.db"))
	assert.Error(t, journal.MarkUploaded(nil))
}
