// Package core implements the functionality for hotpatch that is shared across all components.
package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileNotFound is returned when a file lookup finds no match.
var ErrFileNotFound = errors.New("file not found")

// ErrDirectoryNotFound is returned when a lookup directory does not exist.
var ErrDirectoryNotFound = errors.New("directory not found")

// IsExecutable checks if a file mode has any executable bits set.
// It checks the executable bits for owner, group, and others (0111).
func IsExecutable(info fs.FileInfo) bool {
	permissions := info.Mode().Perm()
	return permissions&0111 != 0
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// FindFileFold returns the path of the first regular file directly inside dir
// whose name matches name case-insensitively.
func FindFileFold(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: empty path", ErrDirectoryNotFound)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
		}
		return "", fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer LogDeferredError(root.Close)

	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), name) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("%w: %s in %s", ErrFileNotFound, name, dir)
}
