// Package run implements the "run" command: it wraps a single build
// command and launches it through the remote build backend.
package run

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/remotebuild/rewrap/cli/arg"
	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/remote/action"
	"github.com/remotebuild/rewrap/remote/remotetool"
	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/util/disk"
	"github.com/remotebuild/rewrap/util/shlex"
	"github.com/remotebuild/rewrap/util/status"
	"github.com/remotebuild/rewrap/util/subprocess"
)

// Project-relative defaults for the launcher toolchain. Overridable
// with flags so the wrapper works from any checkout layout.
const (
	defaultCfg                    = "build/remote/rewrapper.cfg"
	defaultBindir                 = "prebuilt/remote_execution/bin"
	defaultReproxyWrap            = "build/remote/reproxy-wrap.sh"
	defaultRemoteLogScript        = "build/remote/log-it.sh"
	defaultFSATracePath           = "prebuilt/fsatrace/fsatrace"
	defaultCheckDeterminismScript = "build/remote/check-determinism.sh"
)

// reproxyLogDirEnvVar is exported by the proxy wrapper; its basename
// identifies this build invocation.
const reproxyLogDirEnvVar = "RBE_proxy_log_dir"

const execRootEnvVar = "REWRAP_EXEC_ROOT"

type runFlags struct {
	cfg                    string
	bindir                 string
	execRoot               string
	label                  string
	platform               string
	execStrategy           string
	local                  bool
	compare                bool
	checkDeterminism       bool
	miscomparisonExportDir string
	downloadOutputs        bool
	diagnoseNonzero        bool
	saveTemps              bool
	preserveMtime          bool
	dryRun                 bool
	wantRemoteLog          bool
	remoteLogName          string
	fsatracePath           string
	remoteDebugCommand     string
	reproxyWrap            string

	inputs         []string
	inputListPaths []string
	outputFiles    []string
	outputDirs     []string

	// Flags this wrapper does not recognize are the launcher's own and
	// pass through verbatim.
	rewrapperOptions []string
}

func defaultRunFlags() *runFlags {
	return &runFlags{
		cfg:             defaultCfg,
		bindir:          defaultBindir,
		execStrategy:    string(action.StrategyRemote),
		downloadOutputs: true,
		reproxyWrap:     defaultReproxyWrap,
	}
}

// parseRunArgs handles this wrapper's own flags and collects everything
// it does not recognize as launcher passthrough options, mirroring the
// launcher's own permissive flag handling.
func parseRunArgs(args []string) (*runFlags, error) {
	f := defaultRunFlags()

	// takeValue supports both --flag=value and --flag value forms.
	i := 0
	takeValue := func(tok, name string) (string, bool, error) {
		if v, ok := strings.CutPrefix(tok, "--"+name+"="); ok {
			return v, true, nil
		}
		if tok != "--"+name {
			return "", false, nil
		}
		if i+1 >= len(args) {
			return "", false, status.InvalidArgumentErrorf("--%s requires a value", name)
		}
		i++
		return args[i], true, nil
	}
	// optionalValue consumes a following non-flag token when present.
	optionalValue := func(tok, name string) (string, bool) {
		if v, ok := strings.CutPrefix(tok, "--"+name+"="); ok {
			return v, true
		}
		if tok != "--"+name {
			return "", false
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			return args[i], true
		}
		return "", true
	}
	commaList := func(dst []string, v string) []string {
		for _, e := range strings.Split(v, ",") {
			if e != "" {
				dst = append(dst, e)
			}
		}
		return dst
	}

	for ; i < len(args); i++ {
		tok := args[i]
		switch tok {
		case "--local", "--remote-disable":
			f.local = true
			continue
		case "--compare":
			f.compare = true
			continue
		case "--check-determinism":
			f.checkDeterminism = true
			continue
		case "--diagnose-nonzero":
			f.diagnoseNonzero = true
			continue
		case "--save-temps":
			f.saveTemps = true
			continue
		case "--preserve-unchanged-output-mtime", "--preserve_unchanged_output_mtime":
			f.preserveMtime = true
			continue
		case "--dry-run":
			f.dryRun = true
			continue
		case "--auto-reproxy":
			// Obsolete. Relaunch under the proxy wrapper is automatic.
			log.Warnf("--auto-reproxy is obsolete and ignored")
			continue
		}
		if v, ok := optionalValue(tok, "log"); ok {
			f.wantRemoteLog = true
			f.remoteLogName = strings.TrimSuffix(v, ".remote-log")
			continue
		}
		if v, ok := optionalValue(tok, "fsatrace-path"); ok {
			f.fsatracePath = v
			if f.fsatracePath == "" {
				f.fsatracePath = defaultFSATracePath
			}
			continue
		}
		var matched bool
		var err error
		for name, dst := range map[string]*string{
			"cfg":                      &f.cfg,
			"bindir":                   &f.bindir,
			"exec_root":                &f.execRoot,
			"label":                    &f.label,
			"platform":                 &f.platform,
			"exec_strategy":            &f.execStrategy,
			"miscomparison-export-dir": &f.miscomparisonExportDir,
			"remote-debug-command":     &f.remoteDebugCommand,
			"reproxy-wrap":             &f.reproxyWrap,
		} {
			var v string
			v, matched, err = takeValue(tok, name)
			if err != nil {
				return nil, err
			}
			if matched {
				*dst = v
				break
			}
		}
		if matched {
			continue
		}
		// Both this wrapper's dashed spellings and the launcher's
		// underscore spellings are accepted for the list flags.
		listFlags := []struct {
			names []string
			dst   *[]string
		}{
			{[]string{"inputs"}, &f.inputs},
			{[]string{"input_list_paths"}, &f.inputListPaths},
			{[]string{"output-files", "output_files"}, &f.outputFiles},
			{[]string{"output-dirs", "output_directories"}, &f.outputDirs},
		}
		for _, lf := range listFlags {
			for _, name := range lf.names {
				var v string
				v, matched, err = takeValue(tok, name)
				if err != nil {
					return nil, err
				}
				if matched {
					*lf.dst = commaList(*lf.dst, v)
					break
				}
			}
			if matched {
				break
			}
		}
		if matched {
			continue
		}
		if v, ok := strings.CutPrefix(tok, "--download_outputs="); ok {
			f.downloadOutputs = v != "false"
			continue
		}
		if !strings.HasPrefix(tok, "-") {
			return nil, status.InvalidArgumentErrorf("unexpected positional argument %q (did you forget the -- separator?)", tok)
		}
		f.rewrapperOptions = append(f.rewrapperOptions, tok)
	}
	return f, nil
}

// findExecRoot resolves the project root: flag, then environment, then
// the nearest ancestor of the working directory that looks like a
// checkout root.
func findExecRoot(flagValue, workingDir string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	if v := os.Getenv(execRootEnvVar); v != "" {
		return filepath.Abs(v)
	}
	dir := workingDir
	for {
		if exists := dirExists(filepath.Join(dir, ".git")); exists {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", status.FailedPreconditionErrorf("could not find a checkout root above %s; pass --exec_root", workingDir)
		}
		dir = parent
	}
}

// readInputList reads one path per line, working-dir relative like the
// --inputs flag. Blank lines and #-comments are skipped.
func readInputList(path string) ([]string, error) {
	data, err := disk.ReadFile(path)
	if err != nil {
		return nil, status.WrapErrorf(err, "read input list %s", path)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// HandleRun parses the wrapper flags, decides whether to relaunch
// under the proxy wrapper, and runs the wrapped command.
func HandleRun(args []string) (int, error) {
	own, passthrough := arg.SplitPassthroughArgs(args)
	f, err := parseRunArgs(own)
	if err != nil {
		return 1, err
	}
	if len(passthrough) == 0 {
		return 1, status.InvalidArgumentError("no command given after --")
	}
	command, fwd := action.ForwardRemoteFlags(passthrough)

	if fwd.Disable {
		f.local = true
	}
	inputs := append(f.inputs, fwd.Inputs...)
	for _, listPath := range f.inputListPaths {
		more, err := readInputList(listPath)
		if err != nil {
			return 1, err
		}
		inputs = append(inputs, more...)
	}
	outputFiles := append(f.outputFiles, fwd.OutputFiles...)
	outputDirs := append(f.outputDirs, fwd.OutputDirs...)
	rewrapperOptions := append(f.rewrapperOptions, fwd.RewrapperFlags...)

	strategy := action.Strategy(f.execStrategy)
	if f.local {
		strategy = action.StrategyLocal
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return 1, status.InternalErrorf("getwd: %s", err)
	}
	execRoot, err := findExecRoot(f.execRoot, workingDir)
	if err != nil {
		return 1, err
	}
	cfgPath := filepath.Join(execRoot, f.cfg)

	if strategy != action.StrategyLocal && !f.dryRun && action.NeedsRelaunch(os.Getenv) {
		relaunch := action.RelaunchCommand(
			filepath.Join(execRoot, f.reproxyWrap),
			os.Args[0],
			append([]string{"run"}, args...),
		)
		log.Debugf("no proxy in environment, relaunching: %s", shlex.Quote(relaunch...))
		if err := subprocess.Exec(relaunch, os.Environ()); err != nil {
			return 1, status.WrapError(err, "relaunch under proxy wrapper")
		}
		return 0, nil
	}

	if f.platform != "" {
		merged, err := action.MergePlatform(f.platform, os.Getenv, cfgPath)
		if err != nil {
			return 1, err
		}
		rewrapperOptions = append(rewrapperOptions, "--platform="+action.RenderPlatform(merged))
	}
	if !f.downloadOutputs {
		rewrapperOptions = append(rewrapperOptions, "--download_outputs=false")
	}
	rewrapperOptions = append(rewrapperOptions, "--cfg="+cfgPath)

	var remoteDebugCommand []string
	if f.remoteDebugCommand != "" {
		remoteDebugCommand, err = shlex.Split(f.remoteDebugCommand)
		if err != nil {
			return 1, status.InvalidArgumentErrorf("parse --remote-debug-command: %s", err)
		}
	}

	runner := subprocess.NewRunner()
	a, err := action.New(action.Options{
		Rewrapper:                    filepath.Join(execRoot, f.bindir, "rewrapper"),
		RewrapperOptions:             rewrapperOptions,
		ExecRoot:                     execRoot,
		WorkingDir:                   workingDir,
		Command:                      command,
		Inputs:                       inputs,
		OutputFiles:                  outputFiles,
		OutputDirs:                   outputDirs,
		Strategy:                     strategy,
		DownloadOutputs:              f.downloadOutputs,
		CompareWithLocal:             f.compare,
		CheckDeterminism:             f.checkDeterminism,
		CheckDeterminismScript:       defaultCheckDeterminismScript,
		MiscomparisonExportDir:       f.miscomparisonExportDir,
		DiagnoseNonzero:              f.diagnoseNonzero,
		SaveTemps:                    f.saveTemps,
		PreserveUnchangedOutputMtime: f.preserveMtime,
		Label:                        f.label,
		WantRemoteLog:                f.wantRemoteLog,
		RemoteLogName:                f.remoteLogName,
		RemoteLogScript:              defaultRemoteLogScript,
		FSATracePath:                 f.fsatracePath,
		LocalOnlyFlags:               fwd.LocalOnly,
		RemoteDebugCommand:           remoteDebugCommand,
		ReproxyLogDir:                os.Getenv(reproxyLogDirEnvVar),
		Runner:                       runner,
		Downloader:                   newDownloader(execRoot, f.bindir, cfgPath, runner),
	})
	if err != nil {
		return 1, err
	}

	if f.dryRun {
		log.Printf("[dry-run] %s", shlex.Quote(append([]string{os.Args[0], "run"}, args...)...))
		return 0, nil
	}
	return a.Run(context.Background())
}

// newDownloader builds the blob fetch tool from the launcher config.
// Deferred downloads simply stay deferred when the config is missing.
func newDownloader(execRoot, bindir, cfgPath string, runner subprocess.Runner) stub.Downloader {
	cfg, err := remotetool.ParseConfigFile(cfgPath)
	if err != nil {
		log.Debugf("no launcher config at %s: %s", cfgPath, err)
		return nil
	}
	tool, err := remotetool.New(filepath.Join(execRoot, bindir, "remotetool"), cfg, runner)
	if err != nil {
		log.Debugf("remotetool unavailable: %s", err)
		return nil
	}
	return tool
}
