// Package workspace implements the per-run scratch directory that holds archives
// while they are fetched, decompressed and parsed.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is a directory owned by a single ingestion run.
type Workspace struct {
	dir string
}

// New creates a fresh directory under baseDir (the OS temp dir when empty) and verifies
// it is writable. The caller must Close it on every exit path.
func New(baseDir, runID string) (*Workspace, error) {
	if strings.TrimSpace(baseDir) == "" {
		baseDir = os.TempDir()
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	dir, err := os.MkdirTemp(baseDir, "ingest-"+sanitize(runID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("run directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path resolves name inside the workspace, rejecting names that escape it.
func (w *Workspace) Path(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	full := filepath.Clean(filepath.Join(w.dir, name))
	if !strings.HasPrefix(full, filepath.Clean(w.dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Close removes the workspace and everything left in it.
func (w *Workspace) Close() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove run directory: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
