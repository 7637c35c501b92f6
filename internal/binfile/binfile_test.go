package binfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReplacesAndKeepsMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0750))
	require.NoError(t, os.Chmod(path, 0750))

	require.NoError(t, Write(path, []byte("new")))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), fi.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestWriteFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0755))
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	require.NoError(t, Write(link, []byte("new")))

	fi, err := os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink, "link replaced by a regular file")
	got, err := Read(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp file left behind")
}

func TestWriteKeepsHardLinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("link count is not read on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "a")
	other := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0755))
	if err := os.Link(path, other); err != nil {
		t.Skipf("hard links unavailable: %v", err)
	}

	require.NoError(t, Write(path, []byte("new")))

	for _, p := range []string{path, other} {
		got, err := Read(p)
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got, p)
	}
	a, err := os.Stat(path)
	require.NoError(t, err)
	b, err := os.Stat(other)
	require.NoError(t, err)
	assert.True(t, os.SameFile(a, b))
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
