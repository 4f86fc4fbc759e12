// Package reproxylog reads per-action ".rrpl" records written by the
// remote backend. The record is a restricted text-proto shape; we scan
// it with a tolerant line and brace-depth reader keyed on the handful
// of field names we need, so new fields never break parsing.
package reproxylog

import (
	"bufio"
	"os"
	"strings"

	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/util/status"
)

// Completion statuses reported by the backend. Anything else is carried
// through opaquely.
const (
	StatusSuccess        = "SUCCESS"
	StatusCacheHit       = "STATUS_CACHE_HIT"
	StatusLocalExecution = "STATUS_LOCAL_EXECUTION"
	StatusLocalFallback  = "STATUS_LOCAL_FALLBACK"
	StatusRacingLocal    = "STATUS_RACING_LOCAL"
	StatusRacingRemote   = "STATUS_RACING_REMOTE"
)

// ExecutedRemotely reports whether a completion status means the
// authoritative outputs live in the remote cache.
func ExecutedRemotely(completionStatus string) bool {
	switch completionStatus {
	case StatusSuccess, StatusCacheHit, StatusRacingRemote:
		return true
	}
	return false
}

// ExecutedLocally reports whether a completion status means the action
// actually ran on the local machine.
func ExecutedLocally(completionStatus string) bool {
	switch completionStatus {
	case StatusLocalExecution, StatusLocalFallback, StatusRacingLocal:
		return true
	}
	return false
}

// Entry is one parsed action record. Immutable after parse.
type Entry struct {
	ExecutionID            string
	ActionDigest           string
	OutputFileDigests      map[string]string
	OutputDirectoryDigests map[string]string
	CompletionStatus       string
}

// ActionLogPath returns the backend's record location for an action
// whose primary output is primaryOutput.
func ActionLogPath(primaryOutput string) string {
	return primaryOutput + ".rrpl"
}

// ParseActionLog reads and parses the record at path.
func ParseActionLog(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundErrorf("action log %s: %s", path, err)
		}
		return nil, err
	}
	defer f.Close()

	entry := &Entry{
		OutputFileDigests:      map[string]string{},
		OutputDirectoryDigests: map[string]string{},
	}

	// sections tracks the open blocks by name, outermost first.
	var sections []string
	// Pending key of an output_file_digests/output_directory_digests
	// key/value pair.
	var pendingKey string

	in := func(names ...string) bool {
		if len(sections) < len(names) {
			return false
		}
		for i, n := range names {
			if sections[i] != n {
				return false
			}
		}
		return true
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasSuffix(line, "{"):
			name := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			name = strings.TrimSuffix(strings.TrimSpace(name), ":")
			sections = append(sections, name)
			pendingKey = ""
		case line == "}":
			if len(sections) > 0 {
				sections = sections[:len(sections)-1]
			}
			pendingKey = ""
		default:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.Trim(strings.TrimSpace(value), `"`)
			switch {
			case key == "execution_id" && in("command"):
				// Nested under command.identifiers in practice, but any
				// depth under command is accepted.
				entry.ExecutionID = value
			case key == "action_digest" && in("remote_metadata"):
				entry.ActionDigest = value
			case key == "completion_status":
				entry.CompletionStatus = value
			case in("remote_metadata", "output_file_digests"):
				if key == "key" {
					pendingKey = value
				} else if key == "value" && pendingKey != "" {
					entry.OutputFileDigests[pendingKey] = value
					pendingKey = ""
				}
			case in("remote_metadata", "output_directory_digests"):
				if key == "key" {
					pendingKey = value
				} else if key == "value" && pendingKey != "" {
					entry.OutputDirectoryDigests[pendingKey] = value
					pendingKey = ""
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, status.WrapErrorf(err, "scan action log %s", path)
	}
	return entry, nil
}

// MakeDownloadStubs builds stub records for the requested output paths.
// Paths with no recorded digest were optional outputs the action chose
// not to produce; they are skipped, not errors.
func (e *Entry) MakeDownloadStubs(files, dirs []string, buildID string) map[string]*stub.Info {
	out := make(map[string]*stub.Info)
	for _, f := range files {
		if d, ok := e.OutputFileDigests[f]; ok {
			out[f] = &stub.Info{
				Path:         f,
				Type:         stub.TypeFile,
				BlobDigest:   d,
				ActionDigest: e.ActionDigest,
				BuildID:      buildID,
			}
		}
	}
	for _, dir := range dirs {
		if d, ok := e.OutputDirectoryDigests[dir]; ok {
			out[dir] = &stub.Info{
				Path:         dir,
				Type:         stub.TypeDir,
				BlobDigest:   d,
				ActionDigest: e.ActionDigest,
				BuildID:      buildID,
			}
		}
	}
	return out
}
