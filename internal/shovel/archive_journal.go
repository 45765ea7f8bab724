package shovel

import (
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/shovel/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS pending_archive (
    path TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    key TEXT NOT NULL,
    etag TEXT NOT NULL,
    uploaded_at TEXT NOT NULL -- RFC3339
);
`

// PendingArchive is a file that was uploaded but has not been moved to the archive yet
type PendingArchive struct {
	Path       string
	Size       uint64
	Key        string
	ETag       string
	UploadedAt time.Time
}

type dbPendingArchive struct {
	Path       string `db:"path"`
	Size       int64  `db:"size"`
	Key        string `db:"key"`
	ETag       string `db:"etag"`
	UploadedAt string `db:"uploaded_at"`
}

// ArchiveJournal records uploads until their archival succeeds. A crash or a
// failed move between upload and archive therefore never causes a second upload.
type ArchiveJournal struct {
	db     *sqlx.DB
	dbPath string
}

func NewArchiveJournal(dbPath string) *ArchiveJournal {
	return &ArchiveJournal{dbPath: dbPath}
}

func (j *ArchiveJournal) Open() error {
	if j.db != nil {
		return fmt.Errorf("archive journal already open")
	}

	conn, err := db.NewSqliteDB(db.WithPath(j.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open archive journal: %w", err)
	}
	if _, err := conn.Exec(journalSchema); err != nil {
		conn.Close()
		return fmt.Errorf("init archive journal schema: %w", err)
	}

	j.db = conn
	return nil
}

func (j *ArchiveJournal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func (j *ArchiveJournal) MarkUploaded(entry *PendingArchive) error {
	if entry == nil {
		return fmt.Errorf("cannot mark nil entry")
	}
	uploadedAt := entry.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now()
	}

	row := dbPendingArchive{
		Path:       entry.Path,
		Size:       int64(entry.Size),
		Key:        entry.Key,
		ETag:       entry.ETag,
		UploadedAt: uploadedAt.UTC().Format(time.RFC3339),
	}
	query := `INSERT OR REPLACE INTO pending_archive (path, size, key, etag, uploaded_at)
	          VALUES (:path, :size, :key, :etag, :uploaded_at)`
	if _, err := j.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("mark uploaded %s: %w", entry.Path, err)
	}
	slog.Debug("archive journal set", "path", entry.Path, "key", entry.Key)
	return nil
}

func (j *ArchiveJournal) Remove(path string) error {
	if _, err := j.db.Exec("DELETE FROM pending_archive WHERE path = ?", path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Pending returns every entry sorted by path
func (j *ArchiveJournal) Pending() ([]*PendingArchive, error) {
	var rows []dbPendingArchive
	if err := j.db.Select(&rows, "SELECT path, size, key, etag, uploaded_at FROM pending_archive ORDER BY path"); err != nil {
		return nil, fmt.Errorf("query pending archive: %w", err)
	}

	entries := make([]*PendingArchive, 0, len(rows))
	for _, row := range rows {
		uploadedAt, err := time.Parse(time.RFC3339, row.UploadedAt)
		if err != nil {
			slog.Warn("archive journal timestamp", "path", row.Path, "value", row.UploadedAt, "error", err)
		}
		entries = append(entries, &PendingArchive{
			Path:       row.Path,
			Size:       uint64(row.Size),
			Key:        row.Key,
			ETag:       row.ETag,
			UploadedAt: uploadedAt,
		})
	}
	return entries, nil
}

func (j *ArchiveJournal) PendingPaths() (mapset.Set[string], error) {
	var paths []string
	if err := j.db.Select(&paths, "SELECT path FROM pending_archive"); err != nil {
		return nil, fmt.Errorf("query pending paths: %w", err)
	}
	return mapset.NewThreadUnsafeSet(paths...), nil
}
