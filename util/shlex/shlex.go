// Package shlex contains facilities for shell command parsing and
// rendering. Launch commands and wrapper scripts cross a shell boundary
// in both directions, so tokens must survive a Quote/Split round trip.
package shlex

import (
	"regexp"
	"strings"

	gshlex "github.com/google/shlex"
)

var (
	allSafeCharsRegexp   = regexp.MustCompile(`^[A-Za-z0-9/_.\-]+$`)
	flagAssignmentRegexp = regexp.MustCompile(`^--?[A-Za-z0-9_-]+=`)
)

// Split parses the given shell command and returns the tokenized
// arguments.
//
// Example:
//
//	shlex.Split("  foo --bar='/Quoted/Path/With Spaces'  ")
//	// Returns: []string{"foo", "--bar=/Quoted/Path/With Spaces"}
func Split(command string) ([]string, error) {
	return gshlex.Split(command)
}

// Quote renders tokens into a single string that the shell (or Split)
// parses back into the same tokens.
//
// Flag assignments like "--path=has spaces" are quoted after the "=" so
// the rendering stays close to what a human would type.
func Quote(tokens ...string) string {
	out := ""
	for i, arg := range tokens {
		out += quoteSingle(arg)
		if i < len(tokens)-1 {
			out += " "
		}
	}
	return out
}

func quoteSingle(arg string) string {
	if allSafeCharsRegexp.MatchString(arg) {
		return arg
	}
	prefix := flagAssignmentRegexp.FindString(arg)
	suffix := strings.TrimPrefix(arg, prefix)
	return prefix + `'` + strings.ReplaceAll(suffix, `'`, `'\''`) + `'`
}
