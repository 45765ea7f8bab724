package shovel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/openmined/shovel/internal/blob"
	"github.com/openmined/shovel/internal/config"
	"github.com/openmined/shovel/internal/utils"
)

// codes that mean every upload in this run will fail the same way
var fatalStoreCodes = mapset.NewSet(
	"NoSuchBucket",
	"InvalidAccessKeyId",
	"SignatureDoesNotMatch",
	"ExpiredToken",
	"InvalidBucketName",
)

// RunReport summarizes one run
type RunReport struct {
	RunID    string
	FirstRun bool

	Listed   int
	New      int
	Growing  int
	Stable   int
	Vanished int

	// AwaitingArchive counts stable files skipped because they were already uploaded
	AwaitingArchive int
	Uploaded        []string
	Archived        []string
	Failures        []*FileFailure
	SnapshotRecords int

	Duration time.Duration
}

func (r *RunReport) LogAttrs() []any {
	return []any{
		"firstRun", r.FirstRun,
		"listed", r.Listed,
		"new", r.New,
		"growing", r.Growing,
		"stable", r.Stable,
		"vanished", r.Vanished,
		"uploaded", len(r.Uploaded),
		"archived", len(r.Archived),
		"failed", len(r.Failures),
		"snapshot", r.SnapshotRecords,
		"duration", r.Duration,
	}
}

func (r *RunReport) addFailure(path string, kind FailureKind, err error) {
	var ff *FileFailure
	if errors.As(err, &ff) {
		r.Failures = append(r.Failures, ff)
		return
	}
	r.Failures = append(r.Failures, &FileFailure{Path: path, Kind: kind, Err: err})
}

// ===================================================================================================

// Coordinator runs one reconciliation pass at a time. All paths come from the
// Config it was built with; it never changes the working directory.
type Coordinator struct {
	config  *config.Config
	lock    *RunLock
	store   *SnapshotStore
	lister  *FileLister
	engine  *UploadEngine
	mover   *ArchiveMover
	journal *ArchiveJournal
}

type CoordinatorOption func(*Coordinator)

// WithRunLock replaces the lock built from the config
func WithRunLock(lock *RunLock) CoordinatorOption {
	return func(c *Coordinator) {
		c.lock = lock
	}
}

func NewCoordinator(cfg *config.Config, objects ObjectStore, opts ...CoordinatorOption) (*Coordinator, error) {
	lister, err := NewFileLister(cfg.SourceDir, cfg.Ignore, cfg.Include)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:  cfg,
		lock:    NewRunLock(cfg.LockDir(), WithStaleAfter(cfg.Lock.StaleAfter)),
		store:   NewSnapshotStore(cfg.SnapshotPath()),
		lister:  lister,
		engine:  NewUploadEngine(objects, &cfg.Upload),
		mover:   NewArchiveMover(cfg.SourceDir, cfg.ArchiveDir),
		journal: NewArchiveJournal(cfg.JournalPath()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewCoordinatorFromConfig connects to the configured bucket and builds a Coordinator
func NewCoordinatorFromConfig(ctx context.Context, cfg *config.Config) (*Coordinator, error) {
	client, err := blob.NewBlobClientWithS3Config(ctx, &cfg.Blob)
	if err != nil {
		return nil, setupErr("blob client", err)
	}
	return NewCoordinator(cfg, client)
}

func (c *Coordinator) SnapshotStore() *SnapshotStore {
	return c.store
}

func (c *Coordinator) RunLock() *RunLock {
	return c.lock
}

// Run performs one pass: lock, list, classify, upload the stable files, archive
// what was uploaded, write the next snapshot and unlock. ErrAlreadyRunning is
// returned untouched when another run holds the lock.
func (c *Coordinator) Run(ctx context.Context) (report *RunReport, err error) {
	start := time.Now()
	report = &RunReport{RunID: uuid.NewString()}
	logger := slog.With("run", report.RunID)

	handle, err := c.lock.Acquire(report.RunID)
	if errors.Is(err, ErrAlreadyRunning) {
		logger.Info("run skipped, already in progress", "lock", c.lock.Path())
		return report, err
	} else if err != nil {
		return report, setupErr("lock", err)
	}
	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			logger.Error("release lock", "error", releaseErr)
			err = errors.Join(err, releaseErr)
		}
	}()

	logger.Info("run started", "source", c.config.SourceDir, "bucket", c.config.Blob.BucketName)
	err = c.run(ctx, logger, report)
	report.Duration = time.Since(start)
	if err != nil {
		logger.Error("run aborted", "error", err)
		return report, err
	}

	logger.Info("run completed", report.LogAttrs()...)
	return report, nil
}

func (c *Coordinator) run(ctx context.Context, logger *slog.Logger, report *RunReport) error {
	if err := c.mover.Setup(); err != nil {
		return setupErr("archive dir", err)
	}
	if err := c.engine.CheckStore(ctx); err != nil {
		return setupErr("bucket", err)
	}

	if err := c.journal.Open(); err != nil {
		return setupErr("journal", err)
	}
	defer c.journal.Close()

	pending, err := c.drainJournal(logger, report)
	if err != nil {
		return setupErr("journal", err)
	}

	listing, err := c.lister.List()
	if err != nil {
		return setupErr("list", err)
	}
	report.Listed = len(listing)

	snapshot, exists, err := c.store.Load()
	if err != nil {
		return setupErr("snapshot", err)
	}

	if !exists {
		seed := SnapshotFromListing(listing)
		for path := range pending.Iter() {
			seed.Delete(path)
		}
		if err := c.store.Save(seed); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		report.FirstRun = true
		report.New = len(listing)
		report.SnapshotRecords = seed.Len()
		logger.Info("first run, snapshot seeded", "records", seed.Len(), "path", c.store.Path())
		return nil
	}

	cls := Classify(listing, snapshot)
	report.New = len(cls.New)
	report.Growing = len(cls.Growing)
	report.Stable = len(cls.Stable)
	report.Vanished = len(cls.Vanished)
	for _, rec := range cls.Vanished {
		logger.Info("vanished before upload", "path", rec.Path, "size", rec.Size)
	}
	for _, rec := range cls.Growing {
		prev, _ := snapshot.Get(rec.Path)
		logger.Debug("still growing", "path", rec.Path, "was", prev, "now", rec.Size)
	}

	units := make([]UploadUnit, 0, len(cls.Stable))
	for _, rec := range cls.Stable {
		if pending.Contains(rec.Path) {
			report.AwaitingArchive++
			continue
		}
		units = append(units, UploadUnit{
			RelPath: rec.Path,
			AbsPath: c.lister.AbsPath(rec.Path),
			Size:    rec.Size,
		})
	}

	// uploaded holds every file that reached the bucket, archived or not
	uploaded := mapset.NewThreadUnsafeSet[string]()

	// a fatal store code or a journal write failure stops the units not yet started
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatal error
	abort := func(err error) {
		if fatal == nil {
			fatal = err
			cancel()
		}
	}
	results := c.engine.UploadAll(uploadCtx, units, func(res UploadResult) {
		if res.Err != nil {
			if fatalStoreCodes.Contains(blob.ErrorCode(res.Err)) {
				abort(setupErr("upload", res.Err))
			}
			return
		}
		uploaded.Add(res.Unit.RelPath)
		if err := c.journal.MarkUploaded(&PendingArchive{
			Path: res.Unit.RelPath,
			Size: res.Unit.Size,
			Key:  res.Uploaded.Key,
			ETag: res.Uploaded.ETag,
		}); err != nil {
			// without the entry a failed move would lose track of the upload
			abort(setupErr("journal", err))
		}
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return setupErr("upload", ctxErr)
	}
	if fatal != nil {
		return fatal
	}

	for _, res := range results {
		if res.Err != nil {
			report.addFailure(res.Unit.RelPath, TransferFailure, res.Err)
			continue
		}
		report.Uploaded = append(report.Uploaded, res.Unit.RelPath)
		if c.archive(logger, report, res.Unit.RelPath) {
			report.Archived = append(report.Archived, res.Unit.RelPath)
		}
	}

	next := NewSnapshot()
	for path, size := range listing {
		if uploaded.Contains(path) || pending.Contains(path) {
			continue
		}
		// new, growing and failed stable files all carry their latest size
		next.Set(path, size)
	}
	if err := c.store.Save(next); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	report.SnapshotRecords = next.Len()

	return nil
}

// drainJournal archives files uploaded by an earlier run that never made it into
// the archive. It returns the paths that are still pending afterwards.
func (c *Coordinator) drainJournal(logger *slog.Logger, report *RunReport) (mapset.Set[string], error) {
	entries, err := c.journal.Pending()
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		src := c.lister.AbsPath(entry.Path)
		if !utils.FileExists(src) {
			logger.Warn("pending archive source missing, dropping", "path", entry.Path, "key", entry.Key)
			if err := c.journal.Remove(entry.Path); err != nil {
				return nil, err
			}
			continue
		}
		if c.archive(logger, report, entry.Path) {
			report.Archived = append(report.Archived, entry.Path)
		}
	}

	return c.journal.PendingPaths()
}

func (c *Coordinator) archive(logger *slog.Logger, report *RunReport, relPath string) bool {
	if _, err := c.mover.Archive(relPath); err != nil {
		logger.Error("archive", "path", relPath, "error", err)
		report.addFailure(relPath, ArchivalFailure, err)
		return false
	}
	if err := c.journal.Remove(relPath); err != nil {
		logger.Error("archive journal", "path", relPath, "error", err)
	}
	return true
}
