package disk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/testutil/testfs"
	"github.com/remotebuild/rewrap/util/disk"
	"github.com/remotebuild/rewrap/util/status"
)

func TestWriteFileReadFile(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	path := filepath.Join(dir, "f.txt")
	n, err := disk.WriteFile(path, []byte("contents"))
	require.NoError(t, err)
	assert.Equal(t, len("contents"), n)

	data, err := disk.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))

	// No temp sibling left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadFileMissingIsNotFound(t *testing.T) {
	_, err := disk.ReadFile(filepath.Join(testfs.MakeTempDir(t), "nope"))
	assert.True(t, status.IsNotFoundError(err))
}

func TestWriteFileModeSetsPermissions(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	path := filepath.Join(dir, "script.sh")
	_, err := disk.WriteFileMode(path, []byte("#!/bin/sh\n"), 0755)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestWriteFileReplacesExisting(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	path := testfs.WriteFile(t, dir, "f.txt", "old")
	_, err := disk.WriteFile(path, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, "new", testfs.ReadFileAsString(t, dir, "f.txt"))
}

func TestFileExists(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	path := testfs.WriteFile(t, dir, "f.txt", "x")

	exists, err := disk.FileExists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = disk.FileExists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveIfExists(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	path := testfs.WriteFile(t, dir, "f.txt", "x")
	require.NoError(t, disk.RemoveIfExists(path))
	assert.False(t, testfs.Exists(t, dir, "f.txt"))
	// Removing again is fine.
	require.NoError(t, disk.RemoveIfExists(path))
}

func TestIsWriteTempFile(t *testing.T) {
	assert.True(t, disk.IsWriteTempFile("/x/f.txt.a1B2c3D4e5.tmp"))
	assert.False(t, disk.IsWriteTempFile("/x/f.txt"))
	assert.False(t, disk.IsWriteTempFile("/x/f.tmp"))
}

func TestMoveFile(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	src := testfs.WriteFile(t, dir, "src.txt", "payload")
	dest := filepath.Join(dir, "dest.txt")
	require.NoError(t, disk.MoveFile(src, dest))
	assert.False(t, testfs.Exists(t, dir, "src.txt"))
	assert.Equal(t, "payload", testfs.ReadFileAsString(t, dir, "dest.txt"))
}

func TestCopyViaTmpSiblingPreservesMode(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	src := testfs.WriteExecutable(t, dir, "tool", "#!/bin/sh\n")
	dest := filepath.Join(dir, "tool-copy")
	require.NoError(t, disk.CopyViaTmpSibling(src, dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	assert.Equal(t, "#!/bin/sh\n", testfs.ReadFileAsString(t, dir, "tool-copy"))
	assert.True(t, testfs.Exists(t, dir, "tool"), "copy leaves the source")
}
