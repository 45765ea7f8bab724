package shovel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/openmined/shovel/internal/utils"
)

// Snapshot holds the sizes observed at the end of the previous run
type Snapshot struct {
	records map[string]uint64
}

func NewSnapshot() *Snapshot {
	return &Snapshot{records: make(map[string]uint64)}
}

// SnapshotFromListing seeds a snapshot with every listed file at its current size
func SnapshotFromListing(listing Listing) *Snapshot {
	snap := NewSnapshot()
	for path, size := range listing {
		snap.records[path] = size
	}
	return snap
}

func (s *Snapshot) Get(path string) (uint64, bool) {
	size, ok := s.records[path]
	return size, ok
}

func (s *Snapshot) Set(path string, size uint64) {
	s.records[path] = size
}

func (s *Snapshot) Delete(path string) {
	delete(s.records, path)
}

func (s *Snapshot) Len() int {
	return len(s.records)
}

// Records returns the snapshot sorted by path
func (s *Snapshot) Records() []FileRecord {
	return Listing(s.records).Records()
}

// ===================================================================================================

// SnapshotStore owns the on-disk snapshot. Nothing else writes the file.
//
// The file holds one record per line: a Go-quoted relative path, a space, and the
// size in bytes, e.g.
//
//	"b/c.txt" 200
type SnapshotStore struct {
	path string
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

func (s *SnapshotStore) Path() string {
	return s.path
}

// Load reads the snapshot. The bool is false when no snapshot exists yet, which
// marks the first run.
func (s *SnapshotStore) Load() (*Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, false, fmt.Errorf("parse snapshot %s: %w", s.path, err)
	}
	return snap, true, nil
}

// Save replaces the snapshot with a temp-file write followed by a rename, so a crash
// leaves either the old snapshot or the new one on disk.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	if err := utils.WriteFileAtomic(s.path, encodeSnapshot(snap), 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", s.path, err)
	}
	slog.Debug("snapshot saved", "path", s.path, "records", snap.Len())
	return nil
}

func encodeSnapshot(snap *Snapshot) []byte {
	var buf bytes.Buffer
	for _, rec := range snap.Records() {
		buf.WriteString(formatRecord(rec))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	snap := NewSnapshot()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if _, dup := snap.records[rec.Path]; dup {
			return nil, fmt.Errorf("line %d: duplicate record for %q", lineNo, rec.Path)
		}
		snap.records[rec.Path] = rec.Size
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

func formatRecord(rec FileRecord) string {
	return strconv.Quote(rec.Path) + " " + strconv.FormatUint(rec.Size, 10)
}

func parseRecord(line string) (FileRecord, error) {
	quoted, err := strconv.QuotedPrefix(line)
	if err != nil {
		return FileRecord{}, fmt.Errorf("invalid path literal: %w", err)
	}
	path, err := strconv.Unquote(quoted)
	if err != nil {
		return FileRecord{}, fmt.Errorf("invalid path literal: %w", err)
	}
	if path == "" {
		return FileRecord{}, errors.New("empty path")
	}

	sizeField := strings.TrimSpace(line[len(quoted):])
	size, err := strconv.ParseUint(sizeField, 10, 64)
	if err != nil {
		return FileRecord{}, fmt.Errorf("invalid size %q: %w", sizeField, err)
	}
	return FileRecord{Path: path, Size: size}, nil
}
