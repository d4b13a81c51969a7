package testing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.yaml")
	WriteFile(t, path, "name: c\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "name: c\n", string(data))
}

func TestWriteFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "weapons")
	got := WriteFiles(t, dir, map[string]string{
		"component.yaml": "id: weapons\n",
		"units/a.yaml":   "name: weapons.A\n",
	})
	assert.Equal(t, dir, got)

	data, err := os.ReadFile(filepath.Join(dir, "units", "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "name: weapons.A\n", string(data))
	assert.FileExists(t, filepath.Join(dir, "component.yaml"))
}

func TestWriteFiles_Empty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "empty")
	WriteFiles(t, dir, nil)
	assert.DirExists(t, dir)
}
