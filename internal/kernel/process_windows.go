//go:build windows

package kernel

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func processGroupID(pid int) int {
	return 0
}

// Windows has no SIGINT delivery to another process; interrupt degrades to
// termination, matching the stop path.
func interruptProcess(pid, pgid int) error {
	return killProcess(pid, pgid)
}

func terminateProcess(pid, pgid int) error {
	return killProcess(pid, pgid)
}

func killProcess(pid, pgid int) error {
	_ = pgid
	if pid <= 0 {
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return process.Kill()
}
