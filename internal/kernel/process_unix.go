//go:build !windows

package kernel

import (
	"errors"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processGroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

func interruptProcess(pid, pgid int) error {
	return signalGroup(pid, pgid, syscall.SIGINT)
}

func terminateProcess(pid, pgid int) error {
	return signalGroup(pid, pgid, syscall.SIGTERM)
}

func killProcess(pid, pgid int) error {
	return signalGroup(pid, pgid, syscall.SIGKILL)
}

func signalGroup(pid, pgid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	target := pid
	if pgid > 0 {
		target = -pgid
	}
	err := syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
