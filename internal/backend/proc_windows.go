//go:build windows

package backend

import (
	"os/exec"
	"strconv"
)

// setProcessGroup is a no-op on Windows; taskkill /T walks the process tree.
func setProcessGroup(_ *exec.Cmd) {}

// signalGroup terminates the process tree rooted at pid.
func signalGroup(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}

	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}

	return exec.Command("taskkill", args...).Run()
}
