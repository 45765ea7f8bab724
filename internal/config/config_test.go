package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/shovel/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	tmp := t.TempDir()
	src := filepath.Join(tmp, "incoming")
	require.NoError(t, os.MkdirAll(src, 0o755))
	return &Config{
		SourceDir: src,
		DestDir:   filepath.Join(tmp, "shovel"),
		Blob:      blob.S3Config{BucketName: "afi", Region: "us-west-2"},
	}
}

func TestConfig_Validate_FillsDefaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.DestDir, "archive"), cfg.ArchiveDir)
	assert.Equal(t, uint64(DefaultMultipartThreshold), cfg.Upload.MultipartThreshold)
	assert.Equal(t, uint64(DefaultPartSize), cfg.Upload.PartSize)
	assert.Equal(t, DefaultWorkers, cfg.Upload.Workers)
	assert.Empty(t, cfg.Ignore, "every file is listed unless ignore rules are configured")
	assert.Equal(t, time.Duration(0), cfg.Lock.StaleAfter)

	assert.Equal(t, filepath.Join(cfg.DestDir, "shovel-lock"), cfg.LockDir())
	assert.Equal(t, filepath.Join(cfg.DestDir, "shovel.meta"), cfg.SnapshotPath())
	assert.Equal(t, filepath.Join(cfg.DestDir, "shovel.db"), cfg.JournalPath())
}

func TestConfig_Validate_ResolvesRelativePaths(t *testing.T) {
	cfg := validConfig(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, cfg.SourceDir)
	require.NoError(t, err)
	cfg.SourceDir = rel

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.SourceDir))
}

func TestConfig_Validate_KeepsExplicitIgnoreList(t *testing.T) {
	cfg := validConfig(t)
	cfg.Ignore = []string{}
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.Ignore)
}

func TestConfig_Validate_Errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing source", func(c *Config) { c.SourceDir = "" }, "source_dir"},
		{"source not a dir", func(c *Config) { c.SourceDir = filepath.Join(c.SourceDir, "nope") }, "not a directory"},
		{"missing dest", func(c *Config) { c.DestDir = "" }, "dest_dir"},
		{"dest inside source", func(c *Config) { c.DestDir = filepath.Join(c.SourceDir, "out") }, "must not be inside"},
		{"archive is dest", func(c *Config) { c.ArchiveDir = c.DestDir }, "must differ from dest_dir"},
		{"archive inside source", func(c *Config) { c.ArchiveDir = filepath.Join(c.SourceDir, "archive") }, "archive_dir"},
		{"missing bucket", func(c *Config) { c.Blob.BucketName = "" }, "bucket_name"},
		{"tiny part size", func(c *Config) { c.Upload.PartSize = 1024 }, "part_size"},
		{"negative workers", func(c *Config) { c.Upload.Workers = -2 }, "workers"},
		{"negative stale", func(c *Config) { c.Lock.StaleAfter = -time.Second }, "stale_after"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := validConfig(t)
			c.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.wantErr)
		})
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"", 0},
		{"1024", 1024},
		{"20MB", 20 * 1000 * 1000},
		{"6MiB", 6 * 1024 * 1024},
		{"1 GB", 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	_, err := ParseSize("lots")
	assert.Error(t, err)
}

func TestConfig_ValidateDest_IgnoresSourceAndBucket(t *testing.T) {
	cfg := &Config{DestDir: filepath.Join(t.TempDir(), "shovel")}
	require.NoError(t, cfg.ValidateDest())
	assert.Equal(t, filepath.Join(cfg.DestDir, "archive"), cfg.ArchiveDir)

	assert.Error(t, (&Config{}).ValidateDest())

	same := &Config{DestDir: cfg.DestDir, ArchiveDir: cfg.DestDir + "/"}
	assert.ErrorContains(t, same.ValidateDest(), "must differ from dest_dir")
}
