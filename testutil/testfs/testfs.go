// Package testfs provides small filesystem helpers for tests.
package testfs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// MakeTempDir returns a new temp directory removed when the test ends.
func MakeTempDir(t testing.TB) string {
	t.Helper()
	return t.TempDir()
}

// WriteAllFileContents writes each path => content pair under rootDir,
// creating parent directories as needed, and returns the full paths.
func WriteAllFileContents(t testing.TB, rootDir string, contents map[string]string) map[string]string {
	t.Helper()
	paths := make(map[string]string, len(contents))
	for relPath, content := range contents {
		paths[relPath] = WriteFile(t, rootDir, relPath, content)
	}
	return paths
}

// WriteFile writes one file under rootDir and returns its full path.
func WriteFile(t testing.TB, rootDir, relPath, content string) string {
	t.Helper()
	fullPath := filepath.Join(rootDir, relPath)
	err := os.MkdirAll(filepath.Dir(fullPath), 0755)
	require.NoError(t, err)
	err = os.WriteFile(fullPath, []byte(content), 0644)
	require.NoError(t, err)
	return fullPath
}

// WriteExecutable writes an executable file under rootDir.
func WriteExecutable(t testing.TB, rootDir, relPath, content string) string {
	t.Helper()
	fullPath := WriteFile(t, rootDir, relPath, content)
	err := os.Chmod(fullPath, 0755)
	require.NoError(t, err)
	return fullPath
}

// ReadFileAsString reads a file under rootDir.
func ReadFileAsString(t testing.TB, rootDir, relPath string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(rootDir, relPath))
	require.NoError(t, err)
	return string(b)
}

// Exists reports whether the path exists under rootDir.
func Exists(t testing.TB, rootDir, relPath string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(rootDir, relPath))
	if err == nil {
		return true
	}
	// ENOTDIR means a parent component is not a directory (e.g. it was
	// replaced by a stub file), so the path does not exist either.
	require.True(t, os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR), "stat %s: %s", relPath, err)
	return false
}
