//go:build windows

package launcher

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

func processRunnable(pid int) bool { return true }

func signalProcessGroup(cmd *exec.Cmd, kill bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
