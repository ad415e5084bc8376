// SPDX-License-Identifier: MIT

// Package procgroup starts subprocesses as process-group leaders and kills
// the whole group on teardown. The node runs browser drivers and recorders
// that fork freely; killing only the leader leaves orphaned browsers pinning
// the container.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrKillFailed      = errors.New("kill operation failed")
)

// Set configures the command to start in a new process group. Required for
// KillGroup to reap the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group: SIGTERM, wait up to grace,
// then SIGKILL with a final timeout. The process must have been spawned
// through a command prepared with Set.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
