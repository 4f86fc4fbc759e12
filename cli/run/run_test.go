package run

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunArgsDefaults(t *testing.T) {
	f, err := parseRunArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultCfg, f.cfg)
	assert.Equal(t, defaultBindir, f.bindir)
	assert.Equal(t, "remote", f.execStrategy)
	assert.True(t, f.downloadOutputs)
	assert.Equal(t, defaultReproxyWrap, f.reproxyWrap)
	assert.False(t, f.local)
	assert.False(t, f.wantRemoteLog)
	assert.Empty(t, f.rewrapperOptions)
}

func TestParseRunArgsBoolFlags(t *testing.T) {
	f, err := parseRunArgs([]string{
		"--compare", "--check-determinism", "--diagnose-nonzero",
		"--save-temps", "--preserve-unchanged-output-mtime", "--dry-run",
	})
	require.NoError(t, err)
	assert.True(t, f.compare)
	assert.True(t, f.checkDeterminism)
	assert.True(t, f.diagnoseNonzero)
	assert.True(t, f.saveTemps)
	assert.True(t, f.preserveMtime)
	assert.True(t, f.dryRun)
}

func TestParseRunArgsLocalAliases(t *testing.T) {
	for _, flag := range []string{"--local", "--remote-disable"} {
		f, err := parseRunArgs([]string{flag})
		require.NoError(t, err)
		assert.True(t, f.local, flag)
	}
}

func TestParseRunArgsValueFlags(t *testing.T) {
	f, err := parseRunArgs([]string{
		"--cfg=my/rewrapper.cfg",
		"--label", "//foo:bar",
		"--platform=os=linux",
		"--exec_strategy=remote_local_fallback",
		"--miscomparison-export-dir=/tmp/export",
	})
	require.NoError(t, err)
	assert.Equal(t, "my/rewrapper.cfg", f.cfg)
	assert.Equal(t, "//foo:bar", f.label)
	assert.Equal(t, "os=linux", f.platform)
	assert.Equal(t, "remote_local_fallback", f.execStrategy)
	assert.Equal(t, "/tmp/export", f.miscomparisonExportDir)
}

func TestParseRunArgsValueFlagNeedsValue(t *testing.T) {
	_, err := parseRunArgs([]string{"--cfg"})
	require.Error(t, err)
}

func TestParseRunArgsLogForms(t *testing.T) {
	f, err := parseRunArgs([]string{"--log"})
	require.NoError(t, err)
	assert.True(t, f.wantRemoteLog)
	assert.Equal(t, "", f.remoteLogName)

	f, err = parseRunArgs([]string{"--log", "woof"})
	require.NoError(t, err)
	assert.True(t, f.wantRemoteLog)
	assert.Equal(t, "woof", f.remoteLogName)

	// A named log drops the suffix; Action re-appends it.
	f, err = parseRunArgs([]string{"--log=woof.remote-log"})
	require.NoError(t, err)
	assert.Equal(t, "woof", f.remoteLogName)

	// A following flag is not the log name.
	f, err = parseRunArgs([]string{"--log", "--compare"})
	require.NoError(t, err)
	assert.True(t, f.wantRemoteLog)
	assert.Equal(t, "", f.remoteLogName)
	assert.True(t, f.compare)
}

func TestParseRunArgsFSATracePath(t *testing.T) {
	f, err := parseRunArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "", f.fsatracePath)

	f, err = parseRunArgs([]string{"--fsatrace-path"})
	require.NoError(t, err)
	assert.Equal(t, defaultFSATracePath, f.fsatracePath)

	f, err = parseRunArgs([]string{"--fsatrace-path="})
	require.NoError(t, err)
	assert.Equal(t, defaultFSATracePath, f.fsatracePath)

	f, err = parseRunArgs([]string{"--fsatrace-path=tools/fsatrace"})
	require.NoError(t, err)
	assert.Equal(t, "tools/fsatrace", f.fsatracePath)
}

func TestParseRunArgsCommaLists(t *testing.T) {
	f, err := parseRunArgs([]string{
		"--inputs=a.txt,b.txt",
		"--inputs", "c.txt",
		"--output-files=out/x,out/y",
		"--output-dirs=gen",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, f.inputs)
	assert.Equal(t, []string{"out/x", "out/y"}, f.outputFiles)
	assert.Equal(t, []string{"gen"}, f.outputDirs)
}

func TestParseRunArgsLauncherSpellings(t *testing.T) {
	f, err := parseRunArgs([]string{
		"--output_files=out/x",
		"--output_directories=gen",
		"--input_list_paths=lists/a.rsp,lists/b.rsp",
		"--preserve_unchanged_output_mtime",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"out/x"}, f.outputFiles)
	assert.Equal(t, []string{"gen"}, f.outputDirs)
	assert.Equal(t, []string{"lists/a.rsp", "lists/b.rsp"}, f.inputListPaths)
	assert.True(t, f.preserveMtime)
}

func TestReadInputList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.rsp")
	require.NoError(t, os.WriteFile(path, []byte("src/a.cc\n\n# generated\nsrc/b.cc\n"), 0644))

	got, err := readInputList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.cc", "src/b.cc"}, got)

	_, err = readInputList(filepath.Join(dir, "missing.rsp"))
	require.Error(t, err)
}

func TestParseRunArgsDownloadOutputs(t *testing.T) {
	f, err := parseRunArgs([]string{"--download_outputs=false"})
	require.NoError(t, err)
	assert.False(t, f.downloadOutputs)

	f, err = parseRunArgs([]string{"--download_outputs=true"})
	require.NoError(t, err)
	assert.True(t, f.downloadOutputs)
}

func TestParseRunArgsUnknownFlagsPassThrough(t *testing.T) {
	f, err := parseRunArgs([]string{"--canonicalize_working_dir=true", "--exec_timeout=10m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--canonicalize_working_dir=true", "--exec_timeout=10m"}, f.rewrapperOptions)
}

func TestParseRunArgsRejectsPositional(t *testing.T) {
	_, err := parseRunArgs([]string{"clang"})
	require.Error(t, err)
}

func TestFindExecRootFlagWins(t *testing.T) {
	root := t.TempDir()
	got, err := findExecRoot(root, "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestFindExecRootEnvFallback(t *testing.T) {
	root := t.TempDir()
	t.Setenv(execRootEnvVar, root)
	got, err := findExecRoot("", "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestFindExecRootWalksUpToCheckout(t *testing.T) {
	root := t.TempDir()
	t.Setenv(execRootEnvVar, "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))
	nested := filepath.Join(root, "out", "default")
	require.NoError(t, os.MkdirAll(nested, 0755))

	got, err := findExecRoot("", nested)
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestFindExecRootMissing(t *testing.T) {
	// No .git anywhere above a fresh temp dir tree, assuming the test
	// temp root itself is not a checkout.
	root := t.TempDir()
	t.Setenv(execRootEnvVar, "")
	_, err := findExecRoot("", root)
	require.Error(t, err)
}
