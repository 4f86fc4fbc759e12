package register

import (
	"sync"

	"github.com/remotebuild/rewrap/cli/cli_command"
	"github.com/remotebuild/rewrap/cli/fetch"
	"github.com/remotebuild/rewrap/cli/run"
	"github.com/remotebuild/rewrap/cli/unfetch"
	"github.com/remotebuild/rewrap/cli/versioncmd"
)

// Register registers all known cli commands in the structures laid out
// in cli/cli_command. It is meant to be called immediately on CLI
// startup.
//
// This indirection prevents dependency cycles when a handler package
// needs to consult the command list.
var Register = sync.OnceFunc(register)

func register() {
	cli_command.Commands = []*cli_command.Command{
		{
			Name:    "run",
			Help:    "Runs a command through the remote build backend.",
			Handler: run.HandleRun,
		},
		{
			Name:    "fetch",
			Help:    "Downloads the artifacts behind download stubs.",
			Handler: fetch.HandleFetch,
			Aliases: []string{"download"},
		},
		{
			Name:    "unfetch",
			Help:    "Replaces downloaded artifacts with their stubs to reclaim space.",
			Handler: unfetch.HandleUnfetch,
		},
		{
			Name:    "version",
			Help:    "Prints rewrap version info.",
			Handler: versioncmd.HandleVersion,
		},
	}
	cli_command.CommandsByName = make(
		map[string]*cli_command.Command,
		len(cli_command.Commands),
	)
	cli_command.Aliases = make(map[string]*cli_command.Command)
	for _, command := range cli_command.Commands {
		cli_command.CommandsByName[command.Name] = command
		for _, alias := range command.Aliases {
			cli_command.Aliases[alias] = command
		}
	}
}
