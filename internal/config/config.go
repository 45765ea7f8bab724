package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/shovel/internal/blob"
	"github.com/openmined/shovel/internal/utils"
)

const (
	// S3 rejects non-final multipart parts smaller than this
	MinPartSize = 5 * 1024 * 1024

	DefaultMultipartThreshold = 20 * 1000 * 1000
	DefaultPartSize           = 6 * 1000 * 1000
	DefaultWorkers            = 1

	DefaultArchiveDirName = "archive"
	LockDirName           = "shovel-lock"
	SnapshotFileName      = "shovel.meta"
	JournalFileName       = "shovel.db"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".shovel", "config.yaml")
)

type Config struct {
	SourceDir  string
	DestDir    string
	ArchiveDir string
	LogFile    string
	LogLevel   string

	Blob   blob.S3Config
	Upload UploadConfig
	Lock   LockConfig

	Ignore  []string
	Include []string

	Path string
}

type UploadConfig struct {
	KeyPrefix          string
	MultipartThreshold uint64
	PartSize           uint64
	Workers            int
}

type LockConfig struct {
	// StaleAfter enables force-clearing an abandoned lock older than this. Zero disables it.
	StaleAfter time.Duration
}

// Validate resolves paths to absolute form, fills defaults and rejects unusable settings
func (c *Config) Validate() error {
	var err error

	if c.SourceDir, err = utils.ResolvePath(c.SourceDir); err != nil {
		return fmt.Errorf("source_dir: %w", err)
	}
	if err := c.ValidateDest(); err != nil {
		return err
	}
	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return fmt.Errorf("log_file: %w", err)
		}
	}

	if !utils.DirExists(c.SourceDir) {
		return fmt.Errorf("source_dir %q is not a directory", c.SourceDir)
	}
	if utils.IsSubPath(c.SourceDir, c.DestDir) {
		return fmt.Errorf("dest_dir %q must not be inside source_dir %q", c.DestDir, c.SourceDir)
	}
	if utils.IsSubPath(c.SourceDir, c.ArchiveDir) {
		return fmt.Errorf("archive_dir %q must not be inside source_dir %q", c.ArchiveDir, c.SourceDir)
	}

	if err := c.Blob.Validate(); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if c.Upload.MultipartThreshold == 0 {
		c.Upload.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.Upload.PartSize == 0 {
		c.Upload.PartSize = DefaultPartSize
	}
	if c.Upload.PartSize < MinPartSize {
		return fmt.Errorf("upload.part_size %s is below the S3 minimum of %s",
			humanize.IBytes(c.Upload.PartSize), humanize.IBytes(MinPartSize))
	}
	if c.Upload.Workers == 0 {
		c.Upload.Workers = DefaultWorkers
	}
	if c.Upload.Workers < 0 {
		return fmt.Errorf("upload.workers must be positive, got %d", c.Upload.Workers)
	}

	if c.Lock.StaleAfter < 0 {
		return fmt.Errorf("lock.stale_after must not be negative")
	}

	return nil
}

// ValidateDest resolves only the destination side. Commands that never touch the
// source tree or the bucket, like unlock, need nothing more.
func (c *Config) ValidateDest() error {
	var err error
	if c.DestDir, err = utils.ResolvePath(c.DestDir); err != nil {
		return fmt.Errorf("dest_dir: %w", err)
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.DestDir, DefaultArchiveDirName)
	}
	if c.ArchiveDir, err = utils.ResolvePath(c.ArchiveDir); err != nil {
		return fmt.Errorf("archive_dir: %w", err)
	}
	// archived files would land on top of the lock, snapshot and journal
	if c.ArchiveDir == c.DestDir {
		return fmt.Errorf("archive_dir %q must differ from dest_dir", c.ArchiveDir)
	}
	return nil
}

func (c *Config) LockDir() string {
	return filepath.Join(c.DestDir, LockDirName)
}

func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DestDir, SnapshotFileName)
}

func (c *Config) JournalPath() string {
	return filepath.Join(c.DestDir, JournalFileName)
}

// ParseSize accepts plain byte counts as well as humanized sizes such as "20MB" or "6MiB"
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
