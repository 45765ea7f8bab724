package shovel

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/shovel/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileLister walks the source tree and reports regular files with their sizes.
// Paths matching an ignore rule are skipped; when include globs are set a file
// must match at least one of them.
type FileLister struct {
	root    string
	ignore  *gitignore.GitIgnore
	include []string
}

func NewFileLister(root string, ignore []string, include []string) (*FileLister, error) {
	for _, pattern := range include {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid include pattern %q", pattern)
		}
	}
	return &FileLister{
		root:    root,
		ignore:  gitignore.CompileIgnoreLines(ignore...),
		include: include,
	}, nil
}

func (l *FileLister) Root() string {
	return l.root
}

// AbsPath maps a listing path back to the file on disk
func (l *FileLister) AbsPath(relPath string) string {
	return filepath.Join(l.root, filepath.FromSlash(relPath))
}

// List walks the tree once. Files that disappear during the walk are skipped.
func (l *FileLister) List() (Listing, error) {
	listing := make(Listing)

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != l.root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == l.root {
			return nil
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		rel = utils.NormPath(rel)

		if d.IsDir() {
			if l.ignore.MatchesPath(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if l.ignore.MatchesPath(rel) || !l.included(rel) {
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return err
		}

		listing[rel] = uint64(info.Size())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", l.root, err)
	}

	slog.Debug("listed source", "root", l.root, "files", len(listing))
	return listing, nil
}

func (l *FileLister) included(rel string) bool {
	if len(l.include) == 0 {
		return true
	}
	for _, pattern := range l.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
