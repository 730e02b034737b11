//go:build windows

package adapters

import (
	"os/exec"
	"syscall"
)

// setProcAttr creates a new process group for the spawned adapter.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcessGroup kills the adapter process. Windows has no Unix-style
// process groups, so the process is killed directly.
func killProcessGroup(pid int, cmd *exec.Cmd) error {
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			if err.Error() != "os: process already finished" {
				return err
			}
		}
	}
	return nil
}
