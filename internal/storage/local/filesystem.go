// Package local implements the harvester's filesystem capability on the
// local disk.
package local

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// FileSystem works directly on host paths.
type FileSystem struct{}

var _ harvest.FileSystem = FileSystem{}

// NewFileSystem returns the local filesystem capability.
func NewFileSystem() FileSystem {
	return FileSystem{}
}

// Exists reports whether path is present.
func (FileSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// CreateDirExclusive creates path, creating missing parents first. The last
// element is created with a single mkdir so two racing callers cannot both
// succeed; the loser gets an error matching fs.ErrExist.
func (FileSystem) CreateDirExclusive(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("directory path is required")
	}
	clean := filepath.Clean(path)
	if parent := filepath.Dir(clean); parent != "." {
		if err := os.MkdirAll(parent, dirPerm); err != nil {
			return fmt.Errorf("create parent of %s: %w", clean, err)
		}
	}
	if err := os.Mkdir(clean, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", clean, err)
	}
	return nil
}

// Stage opens a hidden temporary file in dir that Commit renames to name.
func (FileSystem) Stage(dir, name string) (harvest.StagedFile, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}
	f, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("stage %s in %s: %w", name, dir, err)
	}
	return &stagedFile{file: f, final: filepath.Join(dir, name)}, nil
}

// Open opens a committed file for reading.
func (FileSystem) Open(path string) (io.ReadCloser, error) {
	// #nosec G304 -- paths are built from the configured job root.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Remove deletes path. A missing path is not an error.
func (FileSystem) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

type stagedFile struct {
	file      *os.File
	final     string
	closed    bool
	committed bool
}

func (s *stagedFile) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Reset truncates the temp file so a retried download starts from zero.
func (s *stagedFile) Reset() error {
	if s.closed {
		return fmt.Errorf("reset %s: %w", s.file.Name(), fs.ErrClosed)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", s.file.Name(), err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", s.file.Name(), err)
	}
	return nil
}

func (s *stagedFile) Commit() error {
	if s.committed {
		return nil
	}
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Rename(s.file.Name(), s.final); err != nil {
		return fmt.Errorf("rename %s to %s: %w", s.file.Name(), s.final, err)
	}
	s.committed = true
	return nil
}

func (s *stagedFile) Discard() error {
	if s.committed {
		return nil
	}
	closeErr := s.close()
	if err := os.Remove(s.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", s.file.Name(), err)
	}
	return closeErr
}

func (s *stagedFile) Path() string {
	return s.final
}

func (s *stagedFile) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync %s: %w", s.file.Name(), err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.file.Name(), err)
	}
	return nil
}
