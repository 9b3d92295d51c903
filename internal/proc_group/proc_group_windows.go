//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// SetProcGrp starts cmd in its own process group
func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// KillGroup kills cmd; children of a recorder are not tracked on Windows
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
