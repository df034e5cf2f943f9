// Package storage locates the stagegate project directory that holds the
// local databases. The databases themselves live in storage/sqlite.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProjectDirName is the per-project directory holding the audit and tracker databases
const ProjectDirName = ".stagegate"

// ErrNoProject is returned when no .stagegate directory is found
var ErrNoProject = errors.New("no .stagegate directory found")

// gitignore keeps the databases and their WAL files out of commits
const gitignore = "*.db\n*.db-shm\n*.db-wal\n"

// FindProjectRoot walks up from start and returns the nearest directory that
// contains a .stagegate directory. A nested project therefore shadows any
// project above it.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	for {
		if info, err := os.Stat(filepath.Join(dir, ProjectDirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w in %s or parent directories\n"+
				"  Run 'stagegate init' to create one", ErrNoProject, start)
		}
		dir = parent
	}
}

// ResolvePath anchors a relative path at the project root. Absolute paths,
// and every path when root is empty, are returned unchanged.
func ResolvePath(root, path string) string {
	if root == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// IsAtOrBelow reports whether path is root or inside it
func IsAtOrBelow(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// InitProject creates the .stagegate directory in projectDir and returns its
// path. The databases are created on first open. Running it twice is safe.
func InitProject(projectDir string) (string, error) {
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("project directory does not exist: %s", projectDir)
	}

	dir := filepath.Join(projectDir, ProjectDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", ProjectDirName, err)
	}

	ignorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(gitignore), 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", ignorePath, err)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return abs, nil
}
