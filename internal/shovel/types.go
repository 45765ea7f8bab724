// Package shovel reconciles a watched directory with an S3 bucket. Each run
// uploads the files whose size held still since the previous run, archives
// them, and records the sizes of everything else for the next run.
package shovel

import (
	"sort"
)

// FileRecord is the last observed size of a file, keyed by its slash-separated
// path relative to the source root.
type FileRecord struct {
	Path string
	Size uint64
}

// Listing maps relative path to current size for one walk of the source tree
type Listing map[string]uint64

// Records returns the listing sorted by path
func (l Listing) Records() []FileRecord {
	records := make([]FileRecord, 0, len(l))
	for path, size := range l {
		records = append(records, FileRecord{Path: path, Size: size})
	}
	sortRecords(records)
	return records
}

// Outcome is the per-run classification of a file. It is never persisted.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeGrowing
	OutcomeStable
	OutcomeVanished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeGrowing:
		return "growing"
	case OutcomeStable:
		return "stable"
	case OutcomeVanished:
		return "vanished"
	default:
		return "unknown"
	}
}

// Strategy is how an UploadUnit is transferred
type Strategy string

const (
	StrategySingle  Strategy = "single"
	StrategyChunked Strategy = "chunked"
)

// UploadUnit is a stable file handed to the UploadEngine
type UploadUnit struct {
	RelPath string
	AbsPath string
	Size    uint64
}

func sortRecords(records []FileRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
}
