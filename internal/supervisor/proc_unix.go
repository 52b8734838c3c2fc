//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

const exitPoll = 10 * time.Millisecond

// Workers get their own process group so a terminal SIGINT reaches the
// supervisor only; the supervisor decides when workers stop.
func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateWorkerProcess sends SIGTERM to the worker's group and SIGKILL to
// whatever is still alive once grace runs out.
func terminateWorkerProcess(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	if waitGroupExit(pgid, grace) {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// waitGroupExit reports whether every process in the group is gone within
// grace. An unreaped leader still counts as alive.
func waitGroupExit(pgid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		if errors.Is(syscall.Kill(-pgid, 0), syscall.ESRCH) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(exitPoll)
	}
}
