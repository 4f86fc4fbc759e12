package diagnose_test

import (
	"bytes"
	stdlog "log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/remote/diagnose"
)

func TestLineDialFailure(t *testing.T) {
	hint := diagnose.Line(`F0000 12:34:56.789 12345 main.go:63] Fail to dial unix:///tmp/reproxy.sock: context deadline exceeded`)
	assert.Contains(t, hint, "reproxy")
}

func TestLinePermissionDenied(t *testing.T) {
	hint := diagnose.Line(`E0000 Error connecting to remote execution client: rpc error: code = PermissionDenied desc = ...`)
	assert.Contains(t, hint, "permission")
}

func TestLineMissingInput(t *testing.T) {
	hint := diagnose.Line(`E0000 failed to digest inputs: lstat /home/project/out/obj/missing.h: stat /home/project/out/obj/missing.h: no such file or directory`)
	assert.Contains(t, hint, "/home/project/out/obj/missing.h")
}

func TestLineUnknownSignature(t *testing.T) {
	assert.Empty(t, diagnose.Line("error: expected ';' before '}' token"))
	assert.Empty(t, diagnose.Line(""))
}

func TestFilePrintsHints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewrapper.log.ERROR")
	content := "I0000 starting\n" +
		"F0000 Fail to dial unix:///tmp/reproxy.sock\n" +
		"E0000 failed to digest inputs: stat obj/missing.h: no such file or directory\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	var buf bytes.Buffer
	stdlog.SetOutput(&buf)
	defer stdlog.SetOutput(os.Stderr)

	diagnose.File(path)
	assert.Contains(t, buf.String(), "reproxy process is not running")
	assert.Contains(t, buf.String(), "obj/missing.h")
}

func TestFileMissingIsSilent(t *testing.T) {
	var buf bytes.Buffer
	stdlog.SetOutput(&buf)
	defer stdlog.SetOutput(os.Stderr)

	diagnose.File(filepath.Join(t.TempDir(), "absent.log"))
	assert.Empty(t, buf.String())
}

func TestLinesMatch(t *testing.T) {
	lines := []string{
		"I0000 starting",
		"F0000 Fail to dial unix:///tmp/reproxy.sock",
	}
	assert.True(t, diagnose.LinesMatch(lines, "Fail to dial"))
	assert.False(t, diagnose.LinesMatch(lines, "PermissionDenied"))
	assert.False(t, diagnose.LinesMatch(nil, "Fail to dial"))
}
