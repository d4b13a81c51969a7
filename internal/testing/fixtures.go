package testing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteFile writes content to path, creating missing parent directories.
func WriteFile(t testing.TB, path, content string) {
	t.Helper()
	// #nosec G301 -- test directory permissions are acceptable for temporary test files
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// WriteFiles writes every entry of files under dir, keyed by relative path,
// and returns dir.
func WriteFiles(t testing.TB, dir string, files map[string]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		WriteFile(t, filepath.Join(dir, name), content)
	}
	return dir
}
