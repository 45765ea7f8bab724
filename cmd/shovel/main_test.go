package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/shovel/internal/shovel"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func parsedRoot(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("SHOVEL_SOURCE_DIR", "/data/incoming")
	t.Setenv("SHOVEL_DEST_DIR", "/data/shovel")
	t.Setenv("SHOVEL_BLOB_BUCKET_NAME", "afi-bucket")
	t.Setenv("SHOVEL_BLOB_REGION", "eu-west-1")
	t.Setenv("SHOVEL_BLOB_USE_PATH_STYLE", "true")
	t.Setenv("SHOVEL_UPLOAD_MULTIPART_THRESHOLD", "20MB")
	t.Setenv("SHOVEL_UPLOAD_PART_SIZE", "6MiB")
	t.Setenv("SHOVEL_UPLOAD_WORKERS", "4")
	t.Setenv("SHOVEL_LOCK_STALE_AFTER", "15m")
	t.Setenv("SHOVEL_IGNORE", "*.log *.tmp")

	cfg, err := loadConfig(parsedRoot(t, "--config", writeConfig(t, "")))
	require.NoError(t, err)

	assert.Equal(t, "/data/incoming", cfg.SourceDir)
	assert.Equal(t, "/data/shovel", cfg.DestDir)
	assert.Equal(t, "afi-bucket", cfg.Blob.BucketName)
	assert.Equal(t, "eu-west-1", cfg.Blob.Region)
	assert.True(t, cfg.Blob.UsePathStyle)
	assert.Equal(t, uint64(20_000_000), cfg.Upload.MultipartThreshold)
	assert.Equal(t, uint64(6*1024*1024), cfg.Upload.PartSize)
	assert.Equal(t, 4, cfg.Upload.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Lock.StaleAfter)
	assert.Equal(t, []string{"*.log", "*.tmp"}, cfg.Ignore)
	assert.Nil(t, cfg.Include)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, `
source_dir: /srv/afi/incoming
dest_dir: /srv/afi/shovel
archive_dir: /srv/afi/archive
log_level: debug
blob:
  bucket_name: afi-prod
  region: us-west-2
  endpoint: http://localhost:9000
  access_key: minio
  secret_key: minio123
upload:
  key_prefix: raw
  multipart_threshold: 10000000
  part_size: 5MiB
include:
  - "**/*.csv"
ignore: []
`)

	cfg, err := loadConfig(parsedRoot(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "/srv/afi/incoming", cfg.SourceDir)
	assert.Equal(t, "/srv/afi/archive", cfg.ArchiveDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "afi-prod", cfg.Blob.BucketName)
	assert.Equal(t, "http://localhost:9000", cfg.Blob.Endpoint)
	assert.Equal(t, "minio", cfg.Blob.AccessKey)
	assert.Equal(t, "minio123", cfg.Blob.SecretKey)
	assert.Equal(t, "raw", cfg.Upload.KeyPrefix)
	assert.Equal(t, uint64(10_000_000), cfg.Upload.MultipartThreshold)
	assert.Equal(t, uint64(5*1024*1024), cfg.Upload.PartSize)
	assert.Equal(t, []string{"**/*.csv"}, cfg.Include)
	assert.Empty(t, cfg.Ignore)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "source_dir: /from/file\ndest_dir: /from/file/dest\n")

	cfg, err := loadConfig(parsedRoot(t, "--config", path, "--source", "/from/flag", "--log-level", "warn"))
	require.NoError(t, err)

	assert.Equal(t, "/from/flag", cfg.SourceDir)
	assert.Equal(t, "/from/file/dest", cfg.DestDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfigEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "shovel.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SHOVEL_UPLOAD_KEY_PREFIX=from-env-file\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SHOVEL_UPLOAD_KEY_PREFIX") })

	cfg, err := loadConfig(parsedRoot(t, "--config", writeConfig(t, ""), "--env-file", envFile))
	require.NoError(t, err)
	assert.Equal(t, "from-env-file", cfg.Upload.KeyPrefix)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("explicit config missing", func(t *testing.T) {
		_, err := loadConfig(parsedRoot(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
		assert.Error(t, err)
	})

	t.Run("bad size", func(t *testing.T) {
		path := writeConfig(t, "upload:\n  part_size: lots\n")
		_, err := loadConfig(parsedRoot(t, "--config", path))
		assert.Error(t, err)
	})

	t.Run("env file missing", func(t *testing.T) {
		_, err := loadConfig(parsedRoot(t, "--env-file", filepath.Join(t.TempDir(), "nope.env")))
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	level, err = parseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestUnlockCommand(t *testing.T) {
	dest := t.TempDir()
	cfgPath := writeConfig(t, "")
	lockDir := filepath.Join(dest, "shovel-lock")

	out, err := execute(t, "unlock", "--config", cfgPath, "--dest", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "no lock")

	require.NoError(t, os.Mkdir(lockDir, 0o755))

	out, err = execute(t, "unlock", "--config", cfgPath, "--dest", dest, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "held=false")
	assert.DirExists(t, lockDir)

	out, err = execute(t, "unlock", "--config", cfgPath, "--dest", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "lock removed")
	assert.NoDirExists(t, lockDir)
}

func TestUnlockCommand_RefusesLiveLock(t *testing.T) {
	dest := t.TempDir()
	cfgPath := writeConfig(t, "")

	handle, err := shovel.NewRunLock(filepath.Join(dest, "shovel-lock")).Acquire("live")
	require.NoError(t, err)
	defer handle.Release()

	_, err = execute(t, "unlock", "--config", cfgPath, "--dest", dest)
	require.ErrorIs(t, err, shovel.ErrLockHeld)

	_, err = execute(t, "unlock", "--config", cfgPath, "--dest", dest, "--force")
	require.NoError(t, err)
}

func TestSnapshotCommand(t *testing.T) {
	dest := t.TempDir()
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "snapshot", "--config", cfgPath, "--dest", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "no snapshot yet")

	snap := shovel.NewSnapshot()
	snap.Set("b/c.txt", 250)
	snap.Set("a.txt", 100)
	require.NoError(t, shovel.NewSnapshotStore(filepath.Join(dest, "shovel.meta")).Save(snap))

	out, err = execute(t, "snapshot", "--config", cfgPath, "--dest", dest, "--bytes")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt\t100", "b/c.txt\t250"}, strings.Split(strings.TrimSpace(out), "\n"))
}

func TestRunCommand_RejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--config", writeConfig(t, ""), "--dest", t.TempDir())
	assert.Error(t, err)
}
