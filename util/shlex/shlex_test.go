package shlex_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotebuild/rewrap/util/shlex"
)

func TestSplit(t *testing.T) {
	tokens, err := shlex.Split("  foo --bar='/Quoted/Path/With Spaces'  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "--bar=/Quoted/Path/With Spaces"}, tokens)
}

func TestQuotePlainTokensUntouched(t *testing.T) {
	assert.Equal(t, "touch obj/hello.txt", shlex.Quote("touch", "obj/hello.txt"))
}

func TestQuoteSpacesAndQuotes(t *testing.T) {
	assert.Equal(t, `echo 'hello world' 'it'\''s'`, shlex.Quote("echo", "hello world", "it's"))
}

func TestQuoteFlagAssignment(t *testing.T) {
	assert.Equal(t, `--path='/dir/has space'`, shlex.Quote("--path=/dir/has space"))
}

func TestQuoteSplitRoundTrip(t *testing.T) {
	tokens := []string{"cc", "-c", "file with space.c", "--define=A B", "it's"}
	back, err := shlex.Split(shlex.Quote(tokens...))
	require.NoError(t, err)
	assert.Equal(t, tokens, back)
}
