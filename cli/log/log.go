// Package log prints CLI output. Debug output is gated on the --verbose
// flag, which Configure pops from the arg list before command dispatch.
package log

import (
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var verbose bool

// Configure consumes the --verbose flag from args and returns the rest.
// Both "--verbose" and "--verbose=true" forms are accepted. Args past
// the "--" passthrough separator belong to the wrapped command and are
// never touched.
func Configure(args []string) []string {
	out := make([]string, 0, len(args))
	passthrough := false
	for _, a := range args {
		if a == "--" {
			passthrough = true
		}
		if !passthrough {
			if a == "--verbose" {
				verbose = true
				continue
			}
			if v, ok := strings.CutPrefix(a, "--verbose="); ok {
				verbose = v == "1" || v == "true"
				continue
			}
		}
		out = append(out, a)
	}
	log.SetFlags(0)
	return out
}

// Verbose reports whether --verbose was set.
func Verbose() bool {
	return verbose
}

// StdoutIsTTY reports whether stdout is attached to a terminal, for
// progress output that should not pollute pipes.
func StdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func Debug(v ...any) {
	if !verbose {
		return
	}
	log.Print(v...)
}

func Debugf(format string, v ...any) {
	if !verbose {
		return
	}
	log.Printf(format, v...)
}

func Print(v ...any) {
	log.Print(v...)
}

func Printf(format string, v ...any) {
	log.Printf(format, v...)
}

func Warnf(format string, v ...any) {
	log.Printf("Warning: "+format, v...)
}

func Fatalf(format string, v ...any) {
	log.Fatalf(format, v...)
}
