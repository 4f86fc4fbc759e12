// Package cli_command holds the structures describing top-level CLI
// commands. The actual command list is populated by the register
// subpackage to keep handler packages free of import cycles.
package cli_command

// Command is a top-level CLI command.
type Command struct {
	Name    string
	Help    string
	Handler func(args []string) (exitCode int, err error)
	Aliases []string
}

var (
	Commands       []*Command
	CommandsByName map[string]*Command
	Aliases        map[string]*Command
)

// GetCommand resolves a command by name or alias.
func GetCommand(name string) *Command {
	if c, ok := CommandsByName[name]; ok {
		return c
	}
	if c, ok := Aliases[name]; ok {
		return c
	}
	return nil
}
