// Package action wraps a single build command and launches it locally,
// remotely through the backend launcher, or both, handling transient
// launcher failures, local/remote output comparison, and deferred
// download stubs for remote outputs.
package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/remote/diagnose"
	"github.com/remotebuild/rewrap/remote/reproxylog"
	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/util/disk"
	"github.com/remotebuild/rewrap/util/random"
	"github.com/remotebuild/rewrap/util/retry"
	"github.com/remotebuild/rewrap/util/status"
	"github.com/remotebuild/rewrap/util/subprocess"
)

// Strategy selects how the launcher executes the wrapped command.
type Strategy string

const (
	StrategyRemote              Strategy = "remote"
	StrategyLocal               Strategy = "local"
	StrategyRemoteLocalFallback Strategy = "remote_local_fallback"
	StrategyRacing              Strategy = "racing"
)

// RemoteProjectRoot is the fixed directory under which the backend
// mounts the project tree during remote execution.
const RemoteProjectRoot = "/b/f/w"

// canonicalSubdirBase is the first component of the synthetic working
// directory the backend substitutes when working directories are
// canonicalized for cache-key stability.
const canonicalSubdirBase = "set_by_reclient"

// envPrefix lets commands that lead with VAR=VALUE tokens run under
// exec-style launchers that do not consult a shell.
const envPrefix = "/usr/bin/env"

// defaultTransientExitCodes are launcher exit codes that indicate an
// infrastructure problem (connection loss, backend churn) rather than a
// failure of the wrapped command. These come from the launcher release
// notes and may change between launcher versions, so they are
// overridable per Action.
var defaultTransientExitCodes = map[int]bool{
	35: true,
	45: true,
}

// dialFailureSignature in launcher stderr means the local proxy was
// unreachable, which is also worth one retry.
const dialFailureSignature = "Fail to dial"

// Options configure a single Action. ExecRoot and WorkingDir are
// absolute; all input and output paths are relative to WorkingDir.
type Options struct {
	Rewrapper        string   // launcher binary
	RewrapperOptions []string // passed through to the launcher verbatim

	ExecRoot   string
	WorkingDir string

	Command     []string
	Inputs      []string
	OutputFiles []string
	OutputDirs  []string

	Strategy Strategy

	DownloadOutputs              bool
	CompareWithLocal             bool
	CheckDeterminism             bool
	CheckDeterminismScript       string // relative to ExecRoot
	MiscomparisonExportDir       string // absolute, empty disables export
	DiagnoseNonzero              bool
	SaveTemps                    bool
	PreserveUnchangedOutputMtime bool

	Label string

	// WantRemoteLog wraps the remote command with the remote log
	// script. RemoteLogName overrides the log basename; when empty the
	// primary output path is used.
	WantRemoteLog   bool
	RemoteLogName   string
	RemoteLogScript string // relative to ExecRoot

	// FSATracePath enables filesystem access tracing (path relative to
	// ExecRoot). The trace shared object is expected alongside it.
	FSATracePath string

	// LocalOnlyFlags are flags meant only for the locally executed
	// variant of the command. They are written into a generated local
	// wrapper script passed to the launcher.
	LocalOnlyFlags []string

	// RemoteDebugCommand, when set, replaces the remote command with a
	// debug command run against the same inputs.
	RemoteDebugCommand []string

	// ReproxyLogDir is the proxy's log directory for this build; its
	// basename identifies the build invocation in download stubs.
	ReproxyLogDir string

	TransientExitCodes map[int]bool

	Runner     subprocess.Runner
	Downloader stub.Downloader
	Clock      clockwork.Clock

	// ParseActionLog is the seam for reading per-action proxy records.
	// Nil uses reproxylog.ParseActionLog.
	ParseActionLog func(path string) (*reproxylog.Entry, error)
}

// Action is one build step. Construct with New, run once with Run.
type Action struct {
	opts Options

	buildSubdir string // WorkingDir relative to ExecRoot
	execRootRel string // ExecRoot relative to WorkingDir, e.g. "../.."

	canonicalizeWorkingDir bool

	runner         subprocess.Runner
	clock          clockwork.Clock
	parseActionLog func(path string) (*reproxylog.Entry, error)

	cleanupOnce  sync.Once
	cleanupFiles []string
}

// New validates the options and computes the action's path layout.
func New(opts Options) (*Action, error) {
	if len(opts.Command) == 0 {
		return nil, status.InvalidArgumentError("missing command to run")
	}
	if !filepath.IsAbs(opts.ExecRoot) {
		return nil, status.InvalidArgumentErrorf("exec_root must be absolute, got %q", opts.ExecRoot)
	}
	if !filepath.IsAbs(opts.WorkingDir) {
		return nil, status.InvalidArgumentErrorf("working dir must be absolute, got %q", opts.WorkingDir)
	}
	buildSubdir, err := filepath.Rel(opts.ExecRoot, opts.WorkingDir)
	if err != nil || strings.HasPrefix(buildSubdir, "..") {
		return nil, status.InvalidArgumentErrorf("working dir %q must be under exec_root %q", opts.WorkingDir, opts.ExecRoot)
	}
	execRootRel, err := filepath.Rel(opts.WorkingDir, opts.ExecRoot)
	if err != nil {
		return nil, status.InvalidArgumentErrorf("relativize exec_root: %s", err)
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRemote
	}
	// Comparing local against remote requires a remote execution, and
	// must never race a local one against overlapping output paths.
	if opts.CompareWithLocal && opts.Strategy != StrategyLocal {
		opts.Strategy = StrategyRemote
	}
	if opts.TransientExitCodes == nil {
		opts.TransientExitCodes = defaultTransientExitCodes
	}
	a := &Action{
		opts:           opts,
		buildSubdir:    buildSubdir,
		execRootRel:    execRootRel,
		runner:         opts.Runner,
		clock:          opts.Clock,
		parseActionLog: opts.ParseActionLog,
	}
	if a.runner == nil {
		a.runner = subprocess.NewRunner()
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.parseActionLog == nil {
		a.parseActionLog = reproxylog.ParseActionLog
	}
	a.canonicalizeWorkingDir = optionsCanonicalizeWorkingDir(opts.RewrapperOptions)
	return a, nil
}

func optionsCanonicalizeWorkingDir(options []string) bool {
	for _, opt := range options {
		if opt == "--canonicalize_working_dir=true" {
			return true
		}
	}
	return false
}

// BuildSubdir is the working directory relative to the exec root.
func (a *Action) BuildSubdir() string { return a.buildSubdir }

// ExecRootRel is the exec root relative to the working directory.
func (a *Action) ExecRootRel() string { return a.execRootRel }

// CanonicalWorkingDir maps a build subdirectory to the synthetic path
// the backend substitutes for it. Only the depth of the real path is
// preserved, not its components.
func CanonicalWorkingDir(buildSubdir string) string {
	if buildSubdir == "" || buildSubdir == "." {
		return buildSubdir
	}
	depth := len(strings.Split(filepath.ToSlash(buildSubdir), "/"))
	parts := []string{canonicalSubdirBase}
	for i := 1; i < depth; i++ {
		parts = append(parts, "a")
	}
	return filepath.Join(parts...)
}

// RemoteBuildSubdir is the build subdirectory as seen by the remote
// executor.
func (a *Action) RemoteBuildSubdir() string {
	if a.canonicalizeWorkingDir {
		return CanonicalWorkingDir(a.buildSubdir)
	}
	return a.buildSubdir
}

// RemoteWorkingDir is the absolute working directory on the remote
// executor.
func (a *Action) RemoteWorkingDir() string {
	return filepath.Join(RemoteProjectRoot, a.RemoteBuildSubdir())
}

// PrimaryOutput is the first declared output file, relative to the
// working directory. Derived artifact names (logs, traces, wrapper
// scripts) hang off of it.
func (a *Action) PrimaryOutput() string {
	if len(a.opts.OutputFiles) == 0 {
		return ""
	}
	return a.opts.OutputFiles[0]
}

func (a *Action) remoteLogName() string {
	if a.opts.RemoteLogName != "" {
		return a.opts.RemoteLogName + ".remote-log"
	}
	return a.PrimaryOutput() + ".remote-log"
}

func (a *Action) remoteFSATraceName() string {
	return a.PrimaryOutput() + ".remote-fsatrace"
}

func (a *Action) localFSATraceName() string {
	return a.PrimaryOutput() + ".local-fsatrace"
}

func (a *Action) fsatraceSO() string {
	return strings.TrimSuffix(a.opts.FSATracePath, filepath.Ext(a.opts.FSATracePath)) + ".so"
}

// fsatraceCommandPrefix wraps a command so filesystem accesses are
// recorded to traceOut. Paths are relative to the working directory.
func (a *Action) fsatraceCommandPrefix(traceOut string) []string {
	return []string{
		filepath.Join(a.execRootRel, a.opts.FSATracePath),
		"ewrdtmq",
		traceOut,
		"--",
	}
}

func (a *Action) remoteLogCommandPrefix() []string {
	return []string{
		filepath.Join(a.execRootRel, a.opts.RemoteLogScript),
		"--log",
		a.remoteLogName(),
		"--",
	}
}

// localCommand is the command run for local and compare executions.
// Leading VAR=VALUE tokens get an env launcher prefix so that no shell
// is needed.
func (a *Action) localCommand() []string {
	cmd := a.opts.Command
	if len(cmd) > 0 && strings.Contains(cmd[0], "=") {
		return append([]string{envPrefix}, cmd...)
	}
	return cmd
}

// remoteCommand is the command sent to the remote executor, including
// log and trace wrappers (log outermost).
func (a *Action) remoteCommand() []string {
	cmd := a.opts.Command
	if len(a.opts.RemoteDebugCommand) > 0 {
		cmd = a.opts.RemoteDebugCommand
	}
	if len(cmd) > 0 && strings.Contains(cmd[0], "=") {
		cmd = append([]string{envPrefix}, cmd...)
	}
	var wrapped []string
	if a.opts.WantRemoteLog {
		wrapped = append(wrapped, a.remoteLogCommandPrefix()...)
	}
	if a.opts.FSATracePath != "" {
		wrapped = append(wrapped, a.fsatraceCommandPrefix(a.remoteFSATraceName())...)
	}
	return append(wrapped, cmd...)
}

// relToExecRoot rebases a working-dir-relative path onto the exec root.
func (a *Action) relToExecRoot(path string) string {
	return filepath.Join(a.buildSubdir, path)
}

func (a *Action) relToExecRootAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, a.relToExecRoot(p))
	}
	return out
}

// InputsRelativeToExecRoot lists every input the remote execution
// needs, relative to the exec root, including wrapper tooling.
func (a *Action) InputsRelativeToExecRoot() []string {
	inputs := a.relToExecRootAll(a.opts.Inputs)
	if a.opts.WantRemoteLog {
		inputs = append(inputs, a.opts.RemoteLogScript)
	}
	if a.opts.FSATracePath != "" {
		inputs = append(inputs, a.opts.FSATracePath, a.fsatraceSO())
	}
	return inputs
}

// OutputFilesRelativeToExecRoot lists every output file the remote
// execution produces, relative to the exec root, including wrapper
// artifacts.
func (a *Action) OutputFilesRelativeToExecRoot() []string {
	outputs := a.relToExecRootAll(a.opts.OutputFiles)
	if a.opts.WantRemoteLog {
		outputs = append(outputs, a.relToExecRoot(a.remoteLogName()))
	}
	if a.opts.FSATracePath != "" {
		outputs = append(outputs, a.relToExecRoot(a.remoteFSATraceName()))
	}
	return outputs
}

// OutputDirsRelativeToExecRoot lists the declared output directories
// relative to the exec root.
func (a *Action) OutputDirsRelativeToExecRoot() []string {
	return a.relToExecRootAll(a.opts.OutputDirs)
}

func (a *Action) inputListFileName() (string, error) {
	if p := a.PrimaryOutput(); p != "" {
		return p + ".inputs", nil
	}
	suffix, err := random.RandomString(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rewrap.%s.inputs", suffix), nil
}

// writeInputListFile writes the exec-root-relative input list consumed
// by the launcher and registers it for cleanup. Returns the file's
// path relative to the working directory.
func (a *Action) writeInputListFile() (string, error) {
	name, err := a.inputListFileName()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, in := range a.InputsRelativeToExecRoot() {
		b.WriteString(in)
		b.WriteString("\n")
	}
	full := filepath.Join(a.opts.WorkingDir, name)
	if err := disk.EnsureDirectoryExists(filepath.Dir(full)); err != nil {
		return "", err
	}
	if _, err := disk.WriteFile(full, []byte(b.String())); err != nil {
		return "", err
	}
	a.registerCleanup(full)
	return name, nil
}

func (a *Action) localWrapperName() string {
	return a.PrimaryOutput() + ".local.sh"
}

// writeLocalWrapperScript generates the wrapper the launcher applies to
// local (and racing local) executions, injecting local-only flags.
// Returns the --local_wrapper flag value.
func (a *Action) writeLocalWrapperScript() (string, error) {
	name := a.localWrapperName()
	script := fmt.Sprintf("#!/bin/sh\nexec \"$@\" %s\n", strings.Join(a.opts.LocalOnlyFlags, " "))
	full := filepath.Join(a.opts.WorkingDir, name)
	if _, err := disk.WriteFileMode(full, []byte(script), 0755); err != nil {
		return "", err
	}
	a.registerCleanup(full)
	return "./" + name, nil
}

// LaunchCommand builds the full command handed to the OS. For local
// strategies this is the command itself; otherwise the launcher prefix
// comes first, then a "--" separator, then the wrapped remote command.
// Generates the input list file and local wrapper script as needed.
func (a *Action) LaunchCommand() ([]string, error) {
	if a.opts.Strategy == StrategyLocal {
		return a.localCommand(), nil
	}
	inputList, err := a.writeInputListFile()
	if err != nil {
		return nil, status.WrapError(err, "write input list")
	}
	prefix := []string{
		a.opts.Rewrapper,
		"--exec_root=" + a.opts.ExecRoot,
	}
	prefix = append(prefix, a.opts.RewrapperOptions...)
	prefix = append(prefix, "--input_list_paths="+inputList)
	if outs := a.OutputFilesRelativeToExecRoot(); len(outs) > 0 {
		prefix = append(prefix, "--output_files="+strings.Join(outs, ","))
	}
	if dirs := a.OutputDirsRelativeToExecRoot(); len(dirs) > 0 {
		prefix = append(prefix, "--output_directories="+strings.Join(dirs, ","))
	}
	if len(a.opts.LocalOnlyFlags) > 0 {
		wrapper, err := a.writeLocalWrapperScript()
		if err != nil {
			return nil, status.WrapError(err, "write local wrapper")
		}
		prefix = append(prefix, "--local_wrapper="+wrapper)
	}
	prefix = append(prefix, "--")
	return append(prefix, a.remoteCommand()...), nil
}

func (a *Action) registerCleanup(path string) {
	a.cleanupFiles = append(a.cleanupFiles, path)
}

// cleanup removes per-run scratch artifacts. Runs at most once, on
// every exit path, and is skipped entirely under --save-temps.
func (a *Action) cleanup() {
	a.cleanupOnce.Do(func() {
		if a.opts.SaveTemps {
			log.Debugf("keeping temporary files: %s", strings.Join(a.cleanupFiles, " "))
			return
		}
		for _, f := range a.cleanupFiles {
			if err := disk.RemoveIfExists(f); err != nil {
				log.Warnf("cleanup %s: %s", f, err)
			}
		}
	})
}

// checkOutputLeaks scans the command and its declared outputs for the
// literal build subdirectory. With canonicalized working directories
// any such reference would bake a nonreproducible local path into the
// action, poisoning the remote cache, so the action is rejected before
// anything is launched.
func (a *Action) checkOutputLeaks() error {
	if !a.canonicalizeWorkingDir || a.buildSubdir == "." || a.buildSubdir == "" {
		return nil
	}
	leaked := func(tokens []string) []string {
		var hits []string
		for _, tok := range tokens {
			if strings.Contains(tok, a.buildSubdir) {
				hits = append(hits, tok)
			}
		}
		return hits
	}
	hits := leaked(a.opts.Command)
	hits = append(hits, leaked(a.opts.OutputFiles)...)
	hits = append(hits, leaked(a.opts.OutputDirs)...)
	if len(hits) == 0 {
		return nil
	}
	return status.FailedPreconditionErrorf(
		"command or outputs reference the local build directory %q, which is canonicalized away during remote execution and would leak into cached outputs: %s",
		a.buildSubdir, strings.Join(hits, " "))
}

func (a *Action) isTransient(res *subprocess.Result) bool {
	if res.Error != nil {
		return false
	}
	if a.opts.TransientExitCodes[res.ExitCode] {
		return true
	}
	return diagnose.LinesMatch(res.Stderr, dialFailureSignature)
}

// Run executes the action under its configured strategy and returns
// the final exit code. Scratch artifacts are cleaned up on every exit
// path.
func (a *Action) Run(ctx context.Context) (int, error) {
	defer a.cleanup()

	if err := a.checkOutputLeaks(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", status.Message(err))
		return 1, nil
	}

	switch a.opts.Strategy {
	case StrategyLocal:
		return a.runLocal(ctx)
	case StrategyRemoteLocalFallback:
		res, err := a.runRemote(ctx)
		if err != nil {
			return -1, err
		}
		if res.ExitCode == 0 {
			return a.afterRemoteSuccess(ctx, res)
		}
		log.Warnf("remote execution failed (exit %d) for %s, falling back to local", res.ExitCode, a.describe())
		if err := a.downloadInputs(ctx); err != nil {
			return -1, err
		}
		local := a.runner.Run(ctx, a.localCommand(), &subprocess.Options{Dir: a.opts.WorkingDir})
		if local.Error != nil {
			return -1, local.Error
		}
		return local.ExitCode, nil
	default:
		res, err := a.runRemote(ctx)
		if err != nil {
			return -1, err
		}
		if res.ExitCode != 0 {
			a.maybeDiagnose(res)
			return res.ExitCode, nil
		}
		if len(a.opts.RemoteDebugCommand) > 0 {
			// A debug run replaces the real command, so its outputs must
			// not be recorded as a successful build step.
			log.Warnf("remote debug command finished; failing the step so it reruns")
			return 1, nil
		}
		return a.afterRemoteSuccess(ctx, res)
	}
}

func (a *Action) afterRemoteSuccess(ctx context.Context, res *subprocess.Result) (int, error) {
	if a.opts.CompareWithLocal {
		code, err := a.compareAgainstLocal(ctx)
		if err != nil || code != 0 {
			return code, err
		}
	}
	if err := a.reconcileOutputs(ctx); err != nil {
		return -1, err
	}
	return 0, nil
}

// runLocal runs the local command once, optionally under the
// determinism checker. Stubbed inputs are materialized first; local
// runs are never retried.
func (a *Action) runLocal(ctx context.Context) (int, error) {
	if err := a.downloadInputs(ctx); err != nil {
		return -1, err
	}
	cmd := a.localCommand()
	if a.opts.CheckDeterminism {
		cmd = append(a.checkDeterminismPrefix(), cmd...)
	}
	res := a.runner.Run(ctx, cmd, &subprocess.Options{Dir: a.opts.WorkingDir})
	if res.Error != nil {
		return -1, res.Error
	}
	return res.ExitCode, nil
}

// runRemote launches the remote command, retrying exactly once when
// the launcher reports a transient infrastructure failure. Exit codes
// of the wrapped command itself are never retried.
func (a *Action) runRemote(ctx context.Context) (*subprocess.Result, error) {
	cmd, err := a.LaunchCommand()
	if err != nil {
		return nil, err
	}
	log.Debugf("launch: %s", strings.Join(cmd, " "))

	r := newLaunchRetry(ctx, a.clock)
	var res *subprocess.Result
	for r.Next() {
		res = a.runner.Run(ctx, cmd, &subprocess.Options{Dir: a.opts.WorkingDir})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.ExitCode == 0 || !a.isTransient(res) {
			break
		}
		log.Warnf("transient launcher failure (exit %d) for %s, retrying once", res.ExitCode, a.describe())
	}
	return res, nil
}

// newLaunchRetry allows exactly one retry after the first attempt.
func newLaunchRetry(ctx context.Context, clock clockwork.Clock) *retry.Retry {
	return retry.New(ctx, &retry.Options{
		MaxRetries:     1,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Clock:          clock,
	})
}

func (a *Action) describe() string {
	if a.opts.Label != "" {
		return a.opts.Label
	}
	if p := a.PrimaryOutput(); p != "" {
		return p
	}
	return strings.Join(a.opts.Command, " ")
}

// maybeDiagnose prints human-readable hints for known failure
// signatures, scanning both the captured stderr and the launcher's
// error logs under the proxy log directory. It never alters the exit
// code.
func (a *Action) maybeDiagnose(res *subprocess.Result) {
	if !a.opts.DiagnoseNonzero {
		return
	}
	if a.opts.Strategy == StrategyLocal {
		return
	}
	diagnose.Lines(res.Stderr)
	if a.opts.ReproxyLogDir == "" {
		return
	}
	logs, err := filepath.Glob(filepath.Join(a.opts.ReproxyLogDir, "rewrapper.*.ERROR.*"))
	if err != nil {
		log.Debugf("diagnostics: glob launcher logs: %s", err)
		return
	}
	for _, l := range logs {
		diagnose.File(l)
	}
}
