//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// SetProcGrp starts cmd in its own process group
func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// KillGroup kills cmd and every child it spawned. cmd must have been
// started after SetProcGrp.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
