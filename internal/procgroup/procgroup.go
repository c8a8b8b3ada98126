// Package procgroup starts commands in their own process group so that a
// shell and everything it spawned can be killed together.
package procgroup

import (
	"os"
	"os/exec"
)

// Prepare configures cmd to run in a new process group. It must be called
// before cmd.Start.
func Prepare(cmd *exec.Cmd) {
	prepare(cmd)
}

// Kill forcibly terminates the process group led by cmd's process. It is a
// no-op when cmd was never started.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return kill(cmd)
}

var errProcessDone = os.ErrProcessDone
