//go:build !windows

package launcher

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processRunnable reports false for a process that is gone, stopped,
// traced or a zombie. Without /proc only existence is checked.
func processRunnable(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return syscall.Kill(pid, 0) == nil
	}
	// the state follows the parenthesized command name, which may itself
	// contain spaces and parentheses
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return true
	}
	switch data[i+2] {
	case 'T', 't', 'Z', 'X', 'x':
		return false
	}
	return true
}

// signalProcessGroup sends SIGTERM, or SIGKILL when kill is set, to the
// whole group so children spawned by the shell stop too. A SIGCONT follows
// SIGTERM so stopped members get to handle it.
func signalProcessGroup(cmd *exec.Cmd, kill bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
		if !kill {
			_ = syscall.Kill(-pgid, syscall.SIGCONT)
		}
		return
	}
	_ = cmd.Process.Signal(sig)
	if !kill {
		_ = cmd.Process.Signal(syscall.SIGCONT)
	}
}
