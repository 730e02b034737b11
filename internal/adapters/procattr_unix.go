//go:build !windows

package adapters

import (
	"os/exec"
	"syscall"
)

// setProcAttr makes the spawned adapter a process-group leader so the
// whole tree can be killed on terminate.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killProcessGroup kills a process and its entire process group.
// On Unix systems a negative PID signals the whole group.
func killProcessGroup(pid int, cmd *exec.Cmd) error {
	if pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			// ESRCH means the group is already gone.
			if err != syscall.ESRCH {
				return err
			}
		}
		return nil
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			if err.Error() != "os: process already finished" {
				return err
			}
		}
	}
	return nil
}
