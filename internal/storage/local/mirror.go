package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local mirror.
type Config struct {
	// BaseDir is the root directory mirrored item files are copied under.
	BaseDir string `mapstructure:"base_dir"`
}

// Mirror copies committed item files into a second directory tree.
type Mirror struct {
	baseDir string
	fs      FileSystem
}

// NewMirror creates the base directory if needed and checks it is writable.
func NewMirror(cfg Config) (*Mirror, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, dirPerm); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	tmp, err := os.CreateTemp(cfg.BaseDir, ".writable_test")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &Mirror{baseDir: cfg.BaseDir}, nil
}

// PutObject streams data to <base>/<path> through a staged file and returns a
// file:// URI.
func (m *Mirror) PutObject(ctx context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fullPath := filepath.Join(m.baseDir, path)
	cleanBase := filepath.Clean(m.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	staged, err := m.fs.Stage(dir, filepath.Base(fullPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(staged, data); err != nil {
		_ = staged.Discard()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := staged.Commit(); err != nil {
		_ = staged.Discard()
		return "", err
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
