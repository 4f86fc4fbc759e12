package action

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/util/disk"
	"github.com/remotebuild/rewrap/util/status"
	"github.com/remotebuild/rewrap/util/subprocess"
)

// checkDeterminismPrefix wraps the local command with the repository's
// determinism checker, which runs the command twice and compares the
// declared outputs.
func (a *Action) checkDeterminismPrefix() []string {
	prefix := []string{
		filepath.Join(a.execRootRel, a.opts.CheckDeterminismScript),
		"--check-repeatability",
	}
	if a.opts.MiscomparisonExportDir != "" {
		prefix = append(prefix, "--miscomparison-export-dir="+filepath.Join(a.opts.MiscomparisonExportDir, a.buildSubdir))
	}
	prefix = append(prefix, "--outputs")
	prefix = append(prefix, a.opts.OutputFiles...)
	prefix = append(prefix, "--")
	return prefix
}

// compareAgainstLocal reruns the command locally after a successful
// remote run and diffs every declared output byte for byte. The remote
// run's outputs are moved aside first so the two runs never overlap on
// disk. Any difference makes the whole action fail with exit code 1,
// even though both runs succeeded individually.
func (a *Action) compareAgainstLocal(ctx context.Context) (int, error) {
	// Move remote outputs aside before the local run clobbers them.
	for _, out := range a.opts.OutputFiles {
		src := filepath.Join(a.opts.WorkingDir, out)
		dest := src + ".remote"
		if exists, _ := disk.FileExists(src); exists {
			if err := disk.MoveFile(src, dest); err != nil {
				return -1, status.WrapErrorf(err, "set aside remote output %s", out)
			}
		}
		a.registerCleanup(dest)
	}

	localCmd := a.localCommand()
	if a.opts.FSATracePath != "" {
		localCmd = append(a.fsatraceCommandPrefix(a.localFSATraceName()), localCmd...)
		a.registerCleanup(filepath.Join(a.opts.WorkingDir, a.localFSATraceName()))
	}
	res := a.runner.Run(ctx, localCmd, &subprocess.Options{Dir: a.opts.WorkingDir})
	if res.Error != nil {
		return -1, res.Error
	}
	if res.ExitCode != 0 {
		log.Warnf("local rerun for comparison failed (exit %d) for %s", res.ExitCode, a.describe())
		return res.ExitCode, nil
	}

	var mismatched []string
	for _, out := range a.opts.OutputFiles {
		local := filepath.Join(a.opts.WorkingDir, out)
		remote := local + ".remote"
		match, err := filesMatch(local, remote)
		if err != nil {
			return -1, err
		}
		if !match {
			mismatched = append(mismatched, out)
		}
	}

	for _, out := range mismatched {
		fmt.Fprintf(os.Stderr, "local and remote outputs differ: %s\n", a.relToExecRoot(out))
		local := filepath.Join(a.opts.WorkingDir, out)
		a.detailDiff(ctx, local, local+".remote")
	}
	if len(mismatched) > 0 && a.opts.MiscomparisonExportDir != "" {
		if err := a.exportMiscomparison(mismatched); err != nil {
			return -1, err
		}
	}

	traceCode, err := a.compareFSATraces(ctx)
	if err != nil {
		return -1, err
	}

	if len(mismatched) > 0 || traceCode != 0 {
		return 1, nil
	}
	return 0, nil
}

// filesMatch reports whether two files have identical contents. A
// missing file on either side is a mismatch, not an error.
func filesMatch(f1, f2 string) (bool, error) {
	i1, err1 := os.Stat(f1)
	i2, err2 := os.Stat(f2)
	if os.IsNotExist(err1) || os.IsNotExist(err2) {
		return false, nil
	}
	if err1 != nil {
		return false, status.InternalErrorf("stat %s: %s", f1, err1)
	}
	if err2 != nil {
		return false, status.InternalErrorf("stat %s: %s", f2, err2)
	}
	if i1.Size() != i2.Size() {
		return false, nil
	}
	b1, err := os.ReadFile(f1)
	if err != nil {
		return false, status.InternalErrorf("read %s: %s", f1, err)
	}
	b2, err := os.ReadFile(f2)
	if err != nil {
		return false, status.InternalErrorf("read %s: %s", f2, err)
	}
	return bytes.Equal(b1, b2), nil
}

// detailDiff prints a best-effort unified diff between two files.
// Diff failures are reported but never fail the action; the mismatch
// itself already did.
func (a *Action) detailDiff(ctx context.Context, f1, f2 string) {
	res := a.runner.Run(ctx, []string{"diff", "-u", f1, f2}, &subprocess.Options{Dir: a.opts.WorkingDir})
	if res.Error != nil {
		log.Warnf("diff %s %s: %s", f1, f2, res.Error)
	}
}

// exportMiscomparison copies both variants of every mismatched output,
// plus the action's declared inputs, under the export directory
// preserving their paths relative to the exec root, so a miscomparing
// action can be reproduced elsewhere.
func (a *Action) exportMiscomparison(mismatched []string) error {
	var paths []string
	for _, out := range mismatched {
		paths = append(paths, a.relToExecRoot(out), a.relToExecRoot(out+".remote"))
	}
	paths = append(paths, a.relToExecRootAll(a.opts.Inputs)...)
	for _, rel := range paths {
		src := filepath.Join(a.opts.ExecRoot, rel)
		if exists, _ := disk.FileExists(src); !exists {
			continue
		}
		dest := filepath.Join(a.opts.MiscomparisonExportDir, rel)
		if err := disk.EnsureDirectoryExists(filepath.Dir(dest)); err != nil {
			return err
		}
		if err := disk.CopyViaTmpSibling(src, dest); err != nil {
			return status.WrapErrorf(err, "export %s", rel)
		}
		log.Debugf("exported %s to %s", rel, dest)
	}
	return nil
}

// compareFSATraces diffs the normalized local and remote filesystem
// access traces. Returns 1 when the access patterns diverge.
func (a *Action) compareFSATraces(ctx context.Context) (int, error) {
	if a.opts.FSATracePath == "" {
		return 0, nil
	}
	local := filepath.Join(a.opts.WorkingDir, a.localFSATraceName())
	remote := filepath.Join(a.opts.WorkingDir, a.remoteFSATraceName())
	return a.compareFSATracesSelectLogs(ctx, local, remote)
}

func (a *Action) compareFSATracesSelectLogs(ctx context.Context, localTrace, remoteTrace string) (int, error) {
	localNorm := localTrace + ".norm"
	remoteNorm := remoteTrace + ".norm"
	if err := a.normalizeFSATrace(localTrace, localNorm); err != nil {
		return -1, err
	}
	if err := a.normalizeFSATrace(remoteTrace, remoteNorm); err != nil {
		return -1, err
	}
	a.registerCleanup(localNorm)
	a.registerCleanup(remoteNorm)
	match, err := filesMatch(localNorm, remoteNorm)
	if err != nil {
		return -1, err
	}
	if match {
		return 0, nil
	}
	fmt.Fprintf(os.Stderr, "local and remote filesystem access traces differ for %s\n", a.describe())
	a.detailDiff(ctx, localNorm, remoteNorm)
	return 1, nil
}

// normalizeFSATrace rewrites the absolute paths in a trace so local
// and remote runs of the same action produce identical text. The local
// working dir and the backend's canonicalized working dir collapse to
// one token, and both project roots collapse to another.
func (a *Action) normalizeFSATrace(src, dest string) error {
	data, err := disk.ReadFile(src)
	if err != nil {
		return err
	}
	remoteWD := filepath.Join(RemoteProjectRoot, a.RemoteBuildSubdir())
	r := strings.NewReplacer(
		remoteWD, "{working_dir}",
		a.opts.WorkingDir, "{working_dir}",
		RemoteProjectRoot, "{exec_root}",
		a.opts.ExecRoot, "{exec_root}",
	)
	_, err = disk.WriteFile(dest, []byte(r.Replace(string(data))))
	return err
}
