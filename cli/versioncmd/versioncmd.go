// Package versioncmd implements the "version" command.
package versioncmd

import (
	"fmt"

	"github.com/remotebuild/rewrap/cli/arg"
)

// Version is stamped by the release build with -ldflags.
var Version = "unknown"

func HandleVersion(args []string) (exitCode int, err error) {
	if arg.ContainsExact(args, "--short") {
		fmt.Println(Version)
		return 0, nil
	}
	fmt.Printf("rewrap %s\n", Version)
	return 0, nil
}
