// Package arg implements helpers for scanning CLI argument lists without
// committing to a full flag parse, which matters here because most of the
// args we see are destined for either the backend launcher or the wrapped
// command and must pass through untouched.
package arg

import (
	"fmt"
	"strings"
)

// ContainsExact returns true if args contains the exact string arg.
// Useful for bare boolean flags which Find would mistake for a flag
// awaiting a value.
func ContainsExact(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

// Pop returns the value of the first occurrence of the named flag and a
// copy of args with that occurrence removed.
func Pop(args []string, name string) (string, []string) {
	v, i, n := Find(args, name)
	if i < 0 {
		return "", args
	}
	out := append([]string{}, args[:i]...)
	return v, append(out, args[i+n:]...)
}

// Find locates the first occurrence of the named flag. It returns the
// flag's value, the index where the flag begins, and how many list
// entries it spans (2 for "--name value", 1 for "--name=value").
// index is -1 when the flag is absent.
func Find(args []string, name string) (value string, index int, length int) {
	exact := fmt.Sprintf("--%s", name)
	prefix := fmt.Sprintf("--%s=", name)
	for i, a := range args {
		if a == exact && i+1 < len(args) {
			return args[i+1], i, 2
		}
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix), i, 1
		}
	}
	return "", -1, 0
}

// GetCommand returns the first entry of args that does not look like a
// flag, or "" if there is none.
func GetCommand(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a
	}
	return ""
}

// SplitPassthroughArgs splits args at the first "--" separator. Entries
// to the left are ours; entries to the right belong to the wrapped
// command. The separator itself is dropped.
func SplitPassthroughArgs(args []string) (own []string, passthrough []string) {
	for i, a := range args {
		if a == "--" {
			return append([]string{}, args[:i]...), append([]string{}, args[i+1:]...)
		}
	}
	return append([]string{}, args...), nil
}

// JoinPassthroughArgs rejoins own args and passthrough args with a "--"
// separator. Empty passthrough args yield just the own args.
func JoinPassthroughArgs(own, passthrough []string) []string {
	out := append([]string{}, own...)
	if len(passthrough) == 0 {
		return out
	}
	out = append(out, "--")
	return append(out, passthrough...)
}
