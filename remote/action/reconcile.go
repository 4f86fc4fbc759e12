package action

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/remote/digest"
	"github.com/remotebuild/rewrap/remote/reproxylog"
	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/util/disk"
	"github.com/remotebuild/rewrap/util/status"
)

// buildID identifies the build invocation that produced this action's
// outputs. The proxy names its log directory uniquely per build, so
// its basename serves as the id; without one a random id is minted.
func (a *Action) buildID() string {
	if a.opts.ReproxyLogDir != "" {
		return filepath.Base(a.opts.ReproxyLogDir)
	}
	return uuid.NewString()
}

// reconcileOutputs runs after a successful remote or racing execution.
// In deferred-download mode it replaces each produced output with a
// download stub carrying the authoritative digest from the proxy's
// per-action log; when the launcher raced and the local side won, the
// stubbed inputs that local run consumed are materialized instead.
//
// The per-action log lives at <primary output>.rrpl, so an action that
// declares no output files has nowhere to find digests and its outputs
// are left as the launcher wrote them.
func (a *Action) reconcileOutputs(ctx context.Context) error {
	if a.opts.DownloadOutputs {
		// The launcher materialized outputs during execution. Sweep up
		// any that are still stubs from an earlier deferred build.
		a.bestEffortDownloadOutputs(ctx)
		return nil
	}
	primary := a.PrimaryOutput()
	if primary == "" {
		return nil
	}
	logPath := filepath.Join(a.opts.WorkingDir, reproxylog.ActionLogPath(primary))
	entry, err := a.parseActionLog(logPath)
	if err != nil {
		if status.IsNotFoundError(err) {
			log.Debugf("no action log at %s, skipping stub reconciliation", logPath)
			return nil
		}
		return err
	}
	if reproxylog.ExecutedLocally(entry.CompletionStatus) {
		return a.downloadInputs(ctx)
	}
	if !reproxylog.ExecutedRemotely(entry.CompletionStatus) {
		log.Debugf("completion status %q for %s, leaving outputs alone", entry.CompletionStatus, a.describe())
		return nil
	}
	stubs := entry.MakeDownloadStubs(a.opts.OutputFiles, a.opts.OutputDirs, a.buildID())
	paths := make([]string, 0, len(stubs))
	for p := range stubs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := a.updateStub(stubs[p]); err != nil {
			return status.WrapErrorf(err, "update stub %s", p)
		}
	}
	return nil
}

// updateStub writes one output's download stub, avoiding churn:
// a stub already carrying the new digest stays untouched, and with
// PreserveUnchangedOutputMtime a real file whose content already
// matches the new digest keeps its mtime so downstream freshness
// checks do not refire.
func (a *Action) updateStub(s *stub.Info) error {
	path := filepath.Join(a.opts.WorkingDir, s.Path)
	// A real directory may occupy an output-directory path after an
	// earlier download or local run. Stub creation removes the tree.
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return s.Create(a.opts.WorkingDir)
	}
	existing, err := stub.ReadFromFile(path)
	switch {
	case err == nil:
		if existing.BlobDigest == s.BlobDigest {
			return nil
		}
	case status.IsNotFoundError(err):
		// Nothing there yet.
	case stub.IsFormatError(err):
		// A real file occupies the path.
		if a.opts.PreserveUnchangedOutputMtime && s.Type == stub.TypeFile {
			d, derr := digest.ComputeForFile(path)
			if derr == nil && d.String() == s.BlobDigest {
				return nil
			}
		}
	default:
		return err
	}
	if err := disk.RemoveIfExists(path); err != nil {
		return err
	}
	return s.Create(a.opts.WorkingDir)
}

// downloadInputs materializes every declared input that is currently a
// download stub, in parallel. Local executions need real bytes on
// disk, not placeholders.
func (a *Action) downloadInputs(ctx context.Context) error {
	if a.opts.Downloader == nil {
		return nil
	}
	var stubbed []string
	for _, in := range a.opts.Inputs {
		if stub.IsStubFile(filepath.Join(a.opts.WorkingDir, in)) {
			stubbed = append(stubbed, in)
		}
	}
	if len(stubbed) == 0 {
		return nil
	}
	log.Debugf("downloading %d stubbed inputs for %s", len(stubbed), a.describe())
	results := stub.DownloadInputsBatch(ctx, a.opts.Downloader, stubbed, a.opts.WorkingDir)
	var failed []string
	for p, res := range results {
		if res.Error != nil || res.ExitCode != 0 {
			failed = append(failed, p)
			for _, line := range res.Stderr {
				log.Warnf("download %s: %s", p, line)
			}
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return status.UnavailableErrorf("failed to download inputs: %s", strings.Join(failed, " "))
	}
	return nil
}

// bestEffortDownloadOutputs resolves declared outputs that are still
// stubs. Failures are reported but do not fail the build; the stub
// survives and a later consumer can retry.
func (a *Action) bestEffortDownloadOutputs(ctx context.Context) {
	if a.opts.Downloader == nil {
		return
	}
	for _, out := range a.opts.OutputFiles {
		path := filepath.Join(a.opts.WorkingDir, out)
		if !stub.IsStubFile(path) {
			continue
		}
		res := stub.DownloadFromPath(ctx, path, a.opts.Downloader, a.opts.WorkingDir)
		if res.Error != nil || res.ExitCode != 0 {
			log.Warnf("could not download output %s, leaving its stub in place", out)
		}
	}
}
