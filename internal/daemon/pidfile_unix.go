//go:build !windows

package daemon

import (
	"errors"
	"syscall"
)

const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

// alive checks pid with signal 0. EPERM means the process exists but belongs
// to another user, which still blocks a second server.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
