//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configureCommand opens the runner in its own console window so an
// operator can watch it.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_CONSOLE}
}

// Windows has no graceful signal for console processes we do not own the
// console of; both steps end the process.
func signalTerminate(pid int) error {
	return killPID(pid)
}

func signalKill(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
