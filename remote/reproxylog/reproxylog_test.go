package reproxylog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/remote/reproxylog"
	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/testutil/testfs"
	"github.com/remotebuild/rewrap/util/status"
)

const sampleRecord = `command: {
  identifiers: {
    execution_id: "8b6e9e2c-1111-2222-3333-444455556666"
  }
  exec_root: "/home/project"
}
remote_metadata: {
  command_digest: "11111111/95"
  action_digest: "9999cccc/141"
  execution_start_timestamp: {
    seconds: 1
  }
  output_file_digests: {
    key: "obj/hello.o"
    value: "ffff0000/912"
  }
  output_file_digests: {
    key: "obj/hello.map"
    value: "eeee1111/77"
  }
  output_directory_digests: {
    key: "gen/headers"
    value: "dddd2222/33"
  }
  completion_status: STATUS_CACHE_HIT
}
`

func writeRecord(t *testing.T, content string) string {
	dir := testfs.MakeTempDir(t)
	return testfs.WriteFile(t, dir, "hello.o.rrpl", content)
}

func TestParseActionLog(t *testing.T) {
	entry, err := reproxylog.ParseActionLog(writeRecord(t, sampleRecord))
	require.NoError(t, err)

	assert.Equal(t, "8b6e9e2c-1111-2222-3333-444455556666", entry.ExecutionID)
	assert.Equal(t, "9999cccc/141", entry.ActionDigest)
	assert.Equal(t, "STATUS_CACHE_HIT", entry.CompletionStatus)
	assert.Equal(t, map[string]string{
		"obj/hello.o":   "ffff0000/912",
		"obj/hello.map": "eeee1111/77",
	}, entry.OutputFileDigests)
	assert.Equal(t, map[string]string{
		"gen/headers": "dddd2222/33",
	}, entry.OutputDirectoryDigests)
}

func TestParseActionLogToleratesUnknownFields(t *testing.T) {
	record := `command: {
  future_block: {
    nested: {
      stuff: 1
    }
  }
  identifiers: {
    execution_id: "abc"
  }
}
unknown_toplevel: 42
remote_metadata: {
  action_digest: "aa/1"
  completion_status: SUCCESS
}
`
	entry, err := reproxylog.ParseActionLog(writeRecord(t, record))
	require.NoError(t, err)
	assert.Equal(t, "abc", entry.ExecutionID)
	assert.Equal(t, "aa/1", entry.ActionDigest)
	assert.Equal(t, "SUCCESS", entry.CompletionStatus)
}

func TestParseActionLogMissing(t *testing.T) {
	_, err := reproxylog.ParseActionLog(filepath.Join(testfs.MakeTempDir(t), "nope.rrpl"))
	assert.True(t, status.IsNotFoundError(err))
}

func TestActionLogPath(t *testing.T) {
	assert.Equal(t, "obj/hello.o.rrpl", reproxylog.ActionLogPath("obj/hello.o"))
}

func TestCompletionStatusPredicates(t *testing.T) {
	assert.True(t, reproxylog.ExecutedRemotely(reproxylog.StatusSuccess))
	assert.True(t, reproxylog.ExecutedRemotely(reproxylog.StatusCacheHit))
	assert.True(t, reproxylog.ExecutedRemotely(reproxylog.StatusRacingRemote))
	assert.False(t, reproxylog.ExecutedRemotely(reproxylog.StatusRacingLocal))

	assert.True(t, reproxylog.ExecutedLocally(reproxylog.StatusLocalExecution))
	assert.True(t, reproxylog.ExecutedLocally(reproxylog.StatusLocalFallback))
	assert.True(t, reproxylog.ExecutedLocally(reproxylog.StatusRacingLocal))
	assert.False(t, reproxylog.ExecutedLocally(reproxylog.StatusSuccess))
}

func TestMakeDownloadStubs(t *testing.T) {
	entry, err := reproxylog.ParseActionLog(writeRecord(t, sampleRecord))
	require.NoError(t, err)

	stubs := entry.MakeDownloadStubs(
		[]string{"obj/hello.o", "obj/optional-not-produced.txt"},
		[]string{"gen/headers"},
		"build-7",
	)
	require.Len(t, stubs, 2)
	assert.Equal(t, &stub.Info{
		Path:         "obj/hello.o",
		Type:         stub.TypeFile,
		BlobDigest:   "ffff0000/912",
		ActionDigest: "9999cccc/141",
		BuildID:      "build-7",
	}, stubs["obj/hello.o"])
	assert.Equal(t, stub.TypeDir, stubs["gen/headers"].Type)
	assert.NotContains(t, stubs, "obj/optional-not-produced.txt")
}
