// Package disk implements filesystem helpers with atomic write
// semantics. Writes land in a randomly named ".tmp" sibling first and
// are renamed into place, so concurrent readers never observe a
// partially written file.
package disk

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/util/random"
	"github.com/remotebuild/rewrap/util/status"
)

var tmpWriteFileRe = regexp.MustCompile(`\.[0-9a-zA-Z]{10}\.tmp$`)

// EnsureDirectoryExists is a synonym for os.MkdirAll(dir, 0755). It
// returns an error if dir exists but isn't a directory.
func EnsureDirectoryExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// RemoveIfExists attempts to remove the given named file or (empty)
// directory, ignoring IsNotExist errors.
func RemoveIfExists(filename string) error {
	err := os.Remove(filename)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// WriteFile atomically writes data to fullPath with mode 0644.
func WriteFile(fullPath string, data []byte) (int, error) {
	return WriteFileMode(fullPath, data, 0644)
}

// WriteFileMode atomically writes data to fullPath with the given
// permission bits. The rename preserves the mode set on the temp file.
func WriteFileMode(fullPath string, data []byte, mode fs.FileMode) (int, error) {
	if err := EnsureDirectoryExists(filepath.Dir(fullPath)); err != nil {
		return 0, err
	}

	randStr, err := random.RandomString(10)
	if err != nil {
		return 0, err
	}

	tmpFileName := fullPath + fmt.Sprintf(".%s.tmp", randStr)
	// Clean up the temp file even if the write is truncated partway.
	defer func() {
		if err := RemoveIfExists(tmpFileName); err != nil {
			log.Warnf("Failed to delete %s: %s", tmpFileName, err)
		}
	}()

	if err := os.WriteFile(tmpFileName, data, mode); err != nil {
		return 0, err
	}
	// os.WriteFile honors the umask; fix the mode explicitly.
	if err := os.Chmod(tmpFileName, mode); err != nil {
		return 0, err
	}
	return len(data), os.Rename(tmpFileName, fullPath)
}

// ReadFile reads the named file, converting IsNotExist errors to
// NotFound status errors.
func ReadFile(fullPath string) ([]byte, error) {
	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, status.NotFoundError(err.Error())
	}
	return data, err
}

// FileExists returns whether fullPath exists. Errors other than
// IsNotExist are reported.
func FileExists(fullPath string) (bool, error) {
	_, err := os.Stat(fullPath)
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// IsWriteTempFile reports whether fullPath looks like one of our
// in-flight temp files.
func IsWriteTempFile(fullPath string) bool {
	return tmpWriteFileRe.MatchString(fullPath)
}

// MoveFile attempts to rename the src file to the dest file. If the src
// and dest file are on different filesystems, a copy is performed
// instead of a rename. In the copy case, the file is copied to an
// intermediate ".tmp" file as a sibling of dest to ensure atomicity. In
// both cases, the original source file is unlinked.
func MoveFile(src, dest string) error {
	if err := os.Rename(src, dest); err != nil {
		if os.IsNotExist(err) {
			return err
		}
		if err := CopyViaTmpSibling(src, dest); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return nil
}

// CopyViaTmpSibling copies src to dest through a temp sibling of dest,
// preserving src's permission bits.
func CopyViaTmpSibling(src, dest string) error {
	randStr, err := random.RandomString(10)
	if err != nil {
		return err
	}
	s, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !s.Mode().IsRegular() {
		return fmt.Errorf("%s: non-regular file", src)
	}
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()
	tmpPath := fmt.Sprintf("%s.%s.tmp", dest, randStr)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, s.Mode().Perm())
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, sf); err != nil {
		return err
	}
	return os.Rename(tmpPath, dest)
}
