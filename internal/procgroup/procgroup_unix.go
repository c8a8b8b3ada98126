//go:build !windows

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func kill(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	// Not a group leader (for example started without Prepare).
	if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, errProcessDone) {
		return kerr
	}
	return nil
}

// Alive reports whether a process with the given pid still exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
