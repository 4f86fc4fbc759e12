package subprocess_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/util/subprocess"
)

func TestRunSuccess(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "true"}, &subprocess.Options{Quiet: true})
	require.NoError(t, res.Error)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunNonzeroExit(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "exit 7"}, &subprocess.Options{Quiet: true})
	require.NoError(t, res.Error)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRunQuietCapturesOutput(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "echo out1; echo out2; echo err1 >&2"}, &subprocess.Options{Quiet: true})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"out1", "out2"}, res.Stdout)
	assert.Equal(t, []string{"err1"}, res.Stderr)
}

func TestRunEmptyOutputIsNil(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "true"}, &subprocess.Options{Quiet: true})
	assert.Nil(t, res.Stdout)
	assert.Nil(t, res.Stderr)
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "pwd"}, &subprocess.Options{Dir: dir, Quiet: true})
	require.NoError(t, res.Error)
	require.Len(t, res.Stdout, 1)
	// Compare the last path element only so the check survives /tmp
	// being a symlink.
	assert.Equal(t, filepath.Base(dir), filepath.Base(res.Stdout[0]))
}

func TestRunEnvironment(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "echo $REWRAP_TEST_VAR"}, &subprocess.Options{
		Env:   []string{"REWRAP_TEST_VAR=hello"},
		Quiet: true,
	})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"hello"}, res.Stdout)
}

func TestRunStdin(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/bin/sh", "-c", "cat"}, &subprocess.Options{
		Stdin: strings.NewReader("piped\n"),
		Quiet: true,
	})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"piped"}, res.Stdout)
}

func TestRunMissingBinary(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), []string{"/nonexistent/definitely-not-a-binary"}, &subprocess.Options{Quiet: true})
	require.Error(t, res.Error)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunEmptyCommand(t *testing.T) {
	r := subprocess.NewRunner()
	res := r.Run(context.Background(), nil, nil)
	require.Error(t, res.Error)
	assert.Equal(t, -1, res.ExitCode)
}
