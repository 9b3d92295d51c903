//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func killProcess(pid int, signal syscall.Signal) error {
	return unix.Kill(pid, signal)
}

// isProcessAlive treats EPERM as alive: the process exists but belongs to someone else
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// setSysProcAttr detaches the daemon from the controlling terminal
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
