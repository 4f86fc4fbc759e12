package log_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/remotebuild/rewrap/cli/log"
)

func TestConfigurePopsVerbose(t *testing.T) {
	defer log.Configure([]string{"--verbose=false"})

	rest := log.Configure([]string{"--verbose", "run", "--cfg=a"})
	assert.Equal(t, []string{"run", "--cfg=a"}, rest)
	assert.True(t, log.Verbose())
}

func TestConfigureAssignmentForms(t *testing.T) {
	defer log.Configure([]string{"--verbose=false"})

	rest := log.Configure([]string{"--verbose=true", "run"})
	assert.Equal(t, []string{"run"}, rest)
	assert.True(t, log.Verbose())

	rest = log.Configure([]string{"--verbose=false", "run"})
	assert.Equal(t, []string{"run"}, rest)
	assert.False(t, log.Verbose())
}

func TestConfigureLeavesPassthroughAlone(t *testing.T) {
	defer log.Configure([]string{"--verbose=false"})

	args := []string{"run", "--", "cmd", "--verbose"}
	rest := log.Configure(args)
	assert.Equal(t, args, rest)
	assert.False(t, log.Verbose())
}
