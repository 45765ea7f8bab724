package shovel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/openmined/shovel/internal/utils"
)

// ArchiveMover moves uploaded files out of the source tree into one flat
// directory. Only the base name is kept, so same-named files from different
// subdirectories overwrite each other in the archive.
type ArchiveMover struct {
	sourceDir  string
	archiveDir string
}

func NewArchiveMover(sourceDir, archiveDir string) *ArchiveMover {
	return &ArchiveMover{sourceDir: sourceDir, archiveDir: archiveDir}
}

func (m *ArchiveMover) Setup() error {
	return utils.EnsureDir(m.archiveDir)
}

// Destination returns where relPath ends up in the archive
func (m *ArchiveMover) Destination(relPath string) string {
	return filepath.Join(m.archiveDir, path.Base(relPath))
}

// Archive moves relPath into the archive directory and returns the new location
func (m *ArchiveMover) Archive(relPath string) (string, error) {
	src := filepath.Join(m.sourceDir, filepath.FromSlash(relPath))
	dst := m.Destination(relPath)

	if utils.FileExists(dst) {
		slog.Warn("archive collision, overwriting", "path", relPath, "dest", dst)
	}

	err := os.Rename(src, dst)
	if errors.Is(err, syscall.EXDEV) {
		err = moveAcrossDevices(src, dst)
	}
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", relPath, err)
	}

	slog.Info("archived", "path", relPath, "dest", dst)
	return dst, nil
}

func moveAcrossDevices(src, dst string) error {
	if err := utils.CopyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
