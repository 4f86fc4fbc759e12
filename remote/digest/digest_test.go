package digest_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/remote/digest"
	"github.com/remotebuild/rewrap/testutil/testfs"
)

func TestComputeEmpty(t *testing.T) {
	d, err := digest.Compute(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, digest.EmptySha256, d.Hash)
	assert.EqualValues(t, 0, d.SizeBytes)
}

func TestStringParseRoundTrip(t *testing.T) {
	d, err := digest.Compute(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.EqualValues(t, 11, d.SizeBytes)

	parsed, err := digest.Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"nohash",
		"abc/12",      // hash too short
		strings.Repeat("a", 64) + "/notanumber",
		strings.Repeat("A", 64) + "/12", // upper case hex
	} {
		_, err := digest.Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestComputeForFile(t *testing.T) {
	dir := testfs.MakeTempDir(t)
	path := testfs.WriteFile(t, dir, "hello.txt", "hello world")

	fromFile, err := digest.ComputeForFile(path)
	require.NoError(t, err)
	fromReader, err := digest.Compute(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, fromReader, fromFile)

	_, err = digest.ComputeForFile(path + ".missing")
	assert.Error(t, err)
}
