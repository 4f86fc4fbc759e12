package action

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/testutil/testfs"
)

func TestForwardRemoteFlags(t *testing.T) {
	command := []string{
		"compile.sh",
		"--remote-disable",
		"--remote-inputs=bar.txt,quux.txt",
		"--opt=2",
		"--remote-outputs=out.meta",
		"--remote-flag=--exec_timeout=10m",
		"--local-only=--color",
		"in.c",
	}
	cleaned, flags := ForwardRemoteFlags(command)
	assert.Equal(t, []string{"compile.sh", "--opt=2", "in.c"}, cleaned)
	assert.True(t, flags.Disable)
	assert.Equal(t, []string{"bar.txt", "quux.txt"}, flags.Inputs)
	assert.Equal(t, []string{"out.meta"}, flags.OutputFiles)
	assert.Equal(t, []string{"--exec_timeout=10m"}, flags.RewrapperFlags)
	assert.Equal(t, []string{"--color"}, flags.LocalOnly)
}

func TestForwardRemoteFlagsNoDirectives(t *testing.T) {
	command := []string{"echo", "hello"}
	cleaned, flags := ForwardRemoteFlags(command)
	assert.Equal(t, command, cleaned)
	assert.False(t, flags.Disable)
	assert.Empty(t, flags.Inputs)
}

func writePlatformCfg(t *testing.T) string {
	dir := testfs.MakeTempDir(t)
	return testfs.WriteFile(t, dir, "rewrapper.cfg",
		"parameter_this=1\nparameter_that=do_not_care\nplatform=foo=bar,baz=quux\n")
}

func noEnv(string) string { return "" }

func TestMergePlatformFlagOverCfg(t *testing.T) {
	cfg := writePlatformCfg(t)
	merged, err := MergePlatform("foo=zoo,alice=bob", noEnv, cfg)
	require.NoError(t, err)
	assert.Equal(t, "alice=bob,baz=quux,foo=zoo", RenderPlatform(merged))
}

func TestMergePlatformEnvWinsOverCfg(t *testing.T) {
	// With a platform in the environment the config file must not even
	// be consulted, so a bogus path does not matter.
	env := func(key string) string {
		if key == PlatformEnvVar {
			return "foo=notfoo,alice=joe"
		}
		return ""
	}
	merged, err := MergePlatform("", env, filepath.Join(testfs.MakeTempDir(t), "nonexistent.cfg"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"foo": "notfoo", "alice": "joe"}, merged)
}

func TestMergePlatformFlagOverEnv(t *testing.T) {
	env := func(key string) string {
		if key == PlatformEnvVar {
			return "foo=env_foo,baz=env_baz"
		}
		return ""
	}
	merged, err := MergePlatform("foo=zoo,alice=bob", env, writePlatformCfg(t))
	require.NoError(t, err)
	assert.Equal(t, "alice=bob,baz=env_baz,foo=zoo", RenderPlatform(merged))
}

func TestMergePlatformMissingCfgIsFine(t *testing.T) {
	merged, err := MergePlatform("foo=zoo", noEnv, filepath.Join(testfs.MakeTempDir(t), "nope.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "foo=zoo", RenderPlatform(merged))
}

func TestNeedsRelaunch(t *testing.T) {
	assert.True(t, NeedsRelaunch(noEnv))
	withProxy := func(key string) string {
		if key == ServerAddressEnvVar {
			return "unix:///tmp/reproxy.sock"
		}
		return ""
	}
	assert.False(t, NeedsRelaunch(withProxy))
}

func TestRelaunchCommand(t *testing.T) {
	cmd := RelaunchCommand("/proj/build/remote/reproxy-wrap.sh", "/usr/bin/rewrap", []string{"run", "--", "echo"})
	assert.Equal(t, []string{
		"/proj/build/remote/reproxy-wrap.sh", "-v", "--",
		"/usr/bin/rewrap", "run", "--", "echo",
	}, cmd)
}
