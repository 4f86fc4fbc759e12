// Package subprocess launches external tools and reports their results
// in a structured form. The Runner interface is the seam through which
// tests substitute canned launcher and downloader behavior.
package subprocess

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/remotebuild/rewrap/util/status"
)

// Result holds the outcome of a single process invocation.
//
// ExitCode is the process exit code when the process ran to completion,
// and -1 when it never started or died to a signal; Error carries the
// detail in those cases.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
	Error    error
}

// Options control how a command is launched.
type Options struct {
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Env is the full environment. Nil means inherit.
	Env []string
	// Quiet captures stdout/stderr into the Result instead of streaming
	// them through to this process's stdout/stderr.
	Quiet bool
	// Stdin, when non-nil, is fed to the process.
	Stdin io.Reader
}

// Runner launches commands. The production implementation shells out;
// tests provide fakes.
type Runner interface {
	Run(ctx context.Context, args []string, opts *Options) *Result
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, args []string, opts *Options) *Result {
	if len(args) == 0 {
		return &Result{ExitCode: -1, Error: status.InvalidArgumentError("empty command")}
	}
	if opts == nil {
		opts = &Options{}
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdin = opts.Stdin

	var stdout, stderr bytes.Buffer
	if opts.Quiet {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		// Stderr is still captured so callers can scan it for known
		// failure signatures, but it is mirrored to the terminal too.
		cmd.Stdout = os.Stdout
		cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
	}

	res := &Result{ExitCode: -1}
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Error = status.UnavailableErrorf("run %q: %s", args[0], err)
		}
	} else {
		res.ExitCode = 0
	}
	res.Stdout = splitLines(stdout.String())
	res.Stderr = splitLines(stderr.String())
	return res
}

// Exec replaces the current process image, or falls back to running the
// command and exiting with its code on platforms without execve
// semantics. Used for auto-relaunch under the backend wrapper.
func Exec(args []string, env []string) error {
	path, err := exec.LookPath(args[0])
	if err != nil {
		return status.NotFoundErrorf("lookup %q: %s", args[0], err)
	}
	return sysExec(path, args, env)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
