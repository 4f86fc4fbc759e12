//go:build unix

package subprocess

import (
	"golang.org/x/sys/unix"
)

func sysExec(path string, args []string, env []string) error {
	return unix.Exec(path, args, env)
}
