//go:build unix

package backend

import (
	stderrors "errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the backend in its own process group so launcher
// wrappers (uv, python) and their children are signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup sends SIGTERM, or SIGKILL when force is set, to the process
// group led by pid. A group that is already gone is not an error.
func signalGroup(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	// Negative pid addresses the whole group.
	err := syscall.Kill(-pid, sig)
	if stderrors.Is(err, syscall.ESRCH) {
		return nil
	}

	return err
}
