//go:build unix

// Package proc isolates process-group creation and signalling so the
// executors can terminate a child together with anything it spawned.
package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetGroup sets up the process to run in its own process group so signals
// reach the whole tree.
func SetGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Terminate sends SIGTERM to the process group.
func Terminate(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func Kill(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
