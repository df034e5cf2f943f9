package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	// tmpRoot/
	//   parent/
	//     .stagegate/
	//     child/
	//       nested/
	//         .stagegate/
	tmpRoot := t.TempDir()
	parent := filepath.Join(tmpRoot, "parent")
	child := filepath.Join(parent, "child")
	nested := filepath.Join(child, "nested")
	require.NoError(t, os.MkdirAll(filepath.Join(parent, ProjectDirName), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(nested, ProjectDirName), 0o755))

	got, err := FindProjectRoot(child)
	require.NoError(t, err)
	assert.Equal(t, parent, got)

	got, err = FindProjectRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, nested, got, "the nearest project wins")

	_, err = FindProjectRoot(tmpRoot)
	assert.ErrorIs(t, err, ErrNoProject)
}

func TestFindProjectRoot_FileIsNotAProject(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectDirName), nil, 0o644))

	_, err := FindProjectRoot(dir)
	assert.ErrorIs(t, err, ErrNoProject)
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		root, path, want string
	}{
		{"/repo", ".stagegate/audit.db", "/repo/.stagegate/audit.db"},
		{"/repo", "/var/lib/audit.db", "/var/lib/audit.db"},
		{"", ".stagegate/audit.db", ".stagegate/audit.db"},
		{"/repo", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath(tt.root, tt.path))
	}
}

func TestIsAtOrBelow(t *testing.T) {
	assert.True(t, IsAtOrBelow("/repo", "/repo"))
	assert.True(t, IsAtOrBelow("/repo/sub/dir", "/repo"))
	assert.False(t, IsAtOrBelow("/repository", "/repo"))
	assert.False(t, IsAtOrBelow("/other", "/repo"))
}

func TestInitProject(t *testing.T) {
	root := t.TempDir()

	dir, err := InitProject(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ProjectDirName), dir)

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(ignore), "*.db")

	// idempotent, and a customized .gitignore is kept
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("custom\n"), 0o644))
	_, err = InitProject(root)
	require.NoError(t, err)
	ignore, err = os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "custom\n", string(ignore))

	_, err = InitProject(filepath.Join(root, "missing"))
	assert.ErrorContains(t, err, "does not exist")
}
