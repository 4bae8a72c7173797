//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// Windows has no graceful termination signal for a detached process.
const (
	termSignal = syscall.SIGKILL
	killSignal = syscall.SIGKILL
)

const stillActive = 259

func alive(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

func signal(pid int, _ syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
