// Package procgroup spawns child processes in their own process group and
// tears the whole group down together. Dev servers fork their own children
// (esbuild watchers, node workers); signalling the group is the only way to
// avoid leaking them.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// KillGrace is how long a group gets between SIGTERM and SIGKILL.
const KillGrace = 500 * time.Millisecond

// Setpgid marks cmd to run in a fresh process group so the whole tree can
// be signalled at once. Must be called before cmd.Start.
func Setpgid(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Terminate sends SIGTERM to the process group of pid, waits KillGrace,
// then SIGKILLs anything still alive. Errors are ignored: the group being
// gone already is the desired outcome.
func Terminate(pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process already reaped; nothing to signal.
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(KillGrace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// Alive reports whether pid still exists (signal 0 probe).
func Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
