// rewrap is a wrapper around the remote build launcher: it runs single
// build commands locally, remotely, or both, and manages deferred
// (stubbed) downloads of remote outputs.
package main

import (
	"fmt"
	"os"

	"github.com/remotebuild/rewrap/cli/arg"
	"github.com/remotebuild/rewrap/cli/cli_command"
	"github.com/remotebuild/rewrap/cli/cli_command/register"
	"github.com/remotebuild/rewrap/cli/log"
)

func main() {
	register.Register()

	args := log.Configure(os.Args[1:])
	name := arg.GetCommand(args)
	if name == "" {
		usage()
		os.Exit(1)
	}
	command := cli_command.GetCommand(name)
	if command == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(1)
	}
	// Strip the command name; handlers see only their own args.
	rest := args
	for i, a := range rest {
		if a == name {
			rest = append(append([]string{}, rest[:i]...), rest[i+1:]...)
			break
		}
	}
	exitCode, err := command.Handler(rest)
	if err != nil {
		log.Fatalf("%s", err)
	}
	os.Exit(exitCode)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rewrap <command> [args...]\n\ncommands:\n")
	for _, c := range cli_command.Commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.Name, c.Help)
	}
}
