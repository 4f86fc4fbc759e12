// Package stub reads and writes download stub files. A stub is a small
// placeholder left where a remote build output would be, carrying the
// digests needed to fetch the real content later. Downstream tools that
// only check existence or permissions keep working against stubs;
// anything that reads content goes through Download first.
package stub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/util/disk"
	"github.com/remotebuild/rewrap/util/status"
	"github.com/remotebuild/rewrap/util/subprocess"
)

// header is the fixed byte prefix that distinguishes a stub from real
// content. Changing it is a format break.
const header = "#!/usr/bin/env false # rewrap download stub v1\n"

const (
	// TypeFile marks a stub standing in for a regular file blob.
	TypeFile = "file"
	// TypeDir marks a stub standing in for a directory tree.
	TypeDir = "dir"
)

// formatErrorReason tags stub format errors so they stay distinct from
// plain not-found conditions.
const formatErrorReason = "DOWNLOAD_STUB_FORMAT"

// FormatError returns an error indicating that a file expected to be a
// stub does not carry the stub header or fields.
func FormatError(path string, detail string) error {
	return status.WithReason(
		status.FailedPreconditionErrorf("%s: not a valid download stub: %s", path, detail),
		formatErrorReason,
	)
}

// IsFormatError reports whether err came from FormatError.
func IsFormatError(err error) bool {
	return status.IsFailedPreconditionError(err) && status.Reason(err) == formatErrorReason
}

// Info records the content behind one stub.
//
// Path is relative to the build working directory. An Info always
// carries a known blob digest; content with an unknown digest never
// gets a stub.
type Info struct {
	Path         string
	Type         string
	BlobDigest   string
	ActionDigest string
	BuildID      string
}

func (s *Info) String() string {
	return fmt.Sprintf("stub{%s %s digest:%s}", s.Type, s.Path, s.BlobDigest)
}

func (s *Info) marshal() []byte {
	var b bytes.Buffer
	b.WriteString(header)
	fmt.Fprintf(&b, "path: %s\n", s.Path)
	fmt.Fprintf(&b, "type: %s\n", s.Type)
	fmt.Fprintf(&b, "blob_digest: %s\n", s.BlobDigest)
	fmt.Fprintf(&b, "action_digest: %s\n", s.ActionDigest)
	fmt.Fprintf(&b, "build_id: %s\n", s.BuildID)
	return b.Bytes()
}

// ReadFromFile parses the stub at path. Missing files yield NotFound;
// files without the stub header yield a format error.
func ReadFromFile(path string) (*Info, error) {
	data, err := disk.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, FormatError(path, "missing header")
	}
	info := &Info{}
	for _, line := range strings.Split(string(data[len(header):]), "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, FormatError(path, fmt.Sprintf("malformed field line %q", line))
		}
		switch key {
		case "path":
			info.Path = value
		case "type":
			info.Type = value
		case "blob_digest":
			info.BlobDigest = value
		case "action_digest":
			info.ActionDigest = value
		case "build_id":
			info.BuildID = value
		}
	}
	if info.Path == "" || info.BlobDigest == "" {
		return nil, FormatError(path, "missing required fields")
	}
	return info, nil
}

// IsStubFile reports whether the file's leading bytes match the stub
// header. It never fails: missing, unreadable, or short files simply
// are not stubs.
func IsStubFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, len(header))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return string(buf) == header
}

// PathToStub returns the parsed stub at path, or nil if path is not a
// stub file.
func PathToStub(path string) (*Info, error) {
	if !IsStubFile(path) {
		return nil, nil
	}
	return ReadFromFile(path)
}

// Create writes the stub to its own path under workingDirAbs.
func (s *Info) Create(workingDirAbs string) error {
	return s.CreateAt(workingDirAbs, filepath.Join(workingDirAbs, s.Path))
}

// CreateAt atomically writes the stub to dest. If dest already exists,
// its permission bits carry over to the stub so tools that check
// executability keep working.
func (s *Info) CreateAt(workingDirAbs, dest string) error {
	mode := fs.FileMode(0644)
	if st, err := os.Stat(dest); err == nil && st.Mode().IsRegular() {
		mode = st.Mode().Perm()
	}
	// A stub may replace a directory output.
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
	}
	if _, err := disk.WriteFileMode(dest, s.marshal(), mode); err != nil {
		return status.WrapErrorf(err, "write stub %s", dest)
	}
	return nil
}

// Downloader fetches remote content by digest. remotetool.Tool is the
// production implementation.
type Downloader interface {
	DownloadBlob(ctx context.Context, path, digest, cwd string) *subprocess.Result
	DownloadDir(ctx context.Context, path, digest, cwd string) *subprocess.Result
}

// TempLocation is where content lands while a download is in flight.
func TempLocation(path string) string {
	return path + ".download-tmp"
}

// BackupLocation is where the prior stub is kept after its content has
// been materialized, so Undownload can restore it.
func BackupLocation(path string) string {
	return path + ".dl-stub"
}

// Download fetches the stub's content to its own path under
// workingDirAbs. See DownloadTo.
func (s *Info) Download(ctx context.Context, downloader Downloader, workingDirAbs string) *subprocess.Result {
	return s.DownloadTo(ctx, downloader, workingDirAbs, s.Path)
}

// DownloadTo fetches the stub's content to dest (relative to
// workingDirAbs). The fetch lands in a temp sibling and is renamed over
// dest only on success, so a failed fetch leaves dest (and any stub
// there) untouched. When dest currently holds a stub, that stub is
// moved to the backup location before the rename.
func (s *Info) DownloadTo(ctx context.Context, downloader Downloader, workingDirAbs, dest string) *subprocess.Result {
	destAbs := dest
	if !filepath.IsAbs(dest) {
		destAbs = filepath.Join(workingDirAbs, dest)
	}
	tmp := TempLocation(destAbs)
	if err := disk.EnsureDirectoryExists(filepath.Dir(destAbs)); err != nil {
		return &subprocess.Result{ExitCode: -1, Error: err}
	}

	var res *subprocess.Result
	switch s.Type {
	case TypeDir:
		res = downloader.DownloadDir(ctx, tmp, s.BlobDigest, workingDirAbs)
	default:
		res = downloader.DownloadBlob(ctx, tmp, s.BlobDigest, workingDirAbs)
	}
	if res.ExitCode != 0 || res.Error != nil {
		if err := os.RemoveAll(tmp); err != nil {
			log.Debugf("cleanup %s: %s", tmp, err)
		}
		return res
	}

	// Carry the stub's permission bits onto the downloaded content.
	if st, err := os.Stat(destAbs); err == nil && st.Mode().IsRegular() {
		if err := os.Chmod(tmp, st.Mode().Perm()); err != nil {
			res.Error = status.WrapErrorf(err, "chmod %s", tmp)
			return res
		}
	}
	if IsStubFile(destAbs) {
		if err := os.Rename(destAbs, BackupLocation(destAbs)); err != nil {
			res.Error = status.WrapErrorf(err, "back up stub %s", destAbs)
			return res
		}
	} else if st, err := os.Stat(destAbs); err == nil && st.IsDir() {
		if err := os.RemoveAll(destAbs); err != nil {
			res.Error = status.WrapErrorf(err, "remove old dir %s", destAbs)
			return res
		}
	}
	if err := os.Rename(tmp, destAbs); err != nil {
		res.Error = status.WrapErrorf(err, "finalize download %s", destAbs)
	}
	return res
}

// DownloadFromPath reads the stub at path (if any) and fetches its
// content over the same path. A missing or non-stub path is a no-op
// success, which makes blanket "materialize everything" sweeps cheap.
func DownloadFromPath(ctx context.Context, path string, downloader Downloader, workingDirAbs string) *subprocess.Result {
	info, err := PathToStub(path)
	if err != nil {
		return &subprocess.Result{ExitCode: -1, Error: err}
	}
	if info == nil {
		return &subprocess.Result{ExitCode: 0}
	}
	// Fetch over the invoked path, not the path recorded inside the
	// stub, which may be stale after a move.
	return info.DownloadTo(ctx, downloader, workingDirAbs, path)
}

// Undownload restores the stub backed up when path's content was
// downloaded, replacing the real content to reclaim disk. Paths with no
// backed-up stub are left alone.
func Undownload(path string) error {
	backup := BackupLocation(path)
	if !IsStubFile(backup) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return os.Rename(backup, path)
}

// DefaultDownloadConcurrency bounds the batch download worker pool.
const DefaultDownloadConcurrency = 8

// DownloadOutputsBatch fetches many stubs in parallel. The result map
// has an entry for every requested stub; one failed fetch does not stop
// the others.
func DownloadOutputsBatch(ctx context.Context, downloader Downloader, stubInfos []*Info, workingDirAbs string) map[string]*subprocess.Result {
	results := make([]*subprocess.Result, len(stubInfos))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(DefaultDownloadConcurrency)
	for i, info := range stubInfos {
		i, info := i, info
		eg.Go(func() error {
			results[i] = info.Download(ctx, downloader, workingDirAbs)
			return nil
		})
	}
	// Workers never return errors; Wait is the join barrier.
	_ = eg.Wait()
	out := make(map[string]*subprocess.Result, len(stubInfos))
	for i, info := range stubInfos {
		out[info.Path] = results[i]
	}
	return out
}

// DownloadInputsBatch materializes the stubs among paths in parallel.
// Non-stub paths succeed trivially.
func DownloadInputsBatch(ctx context.Context, downloader Downloader, paths []string, workingDirAbs string) map[string]*subprocess.Result {
	results := make([]*subprocess.Result, len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(DefaultDownloadConcurrency)
	for i, p := range paths {
		i, p := i, p
		eg.Go(func() error {
			full := p
			if !filepath.IsAbs(full) {
				full = filepath.Join(workingDirAbs, p)
			}
			results[i] = DownloadFromPath(ctx, full, downloader, workingDirAbs)
			return nil
		})
	}
	_ = eg.Wait()
	out := make(map[string]*subprocess.Result, len(paths))
	for i, p := range paths {
		out[p] = results[i]
	}
	return out
}
