// SPDX-License-Identifier: MIT

//go:build unix && !windows

package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Terminate gracefully stops a process group: SIGTERM, wait on waitCh up to
// grace, then SIGKILL and drain waitCh. Returns the process's wait error.
// Safe to call on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		_ = Kill(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}
