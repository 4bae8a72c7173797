//go:build !windows

package cmd

import "syscall"

// backgroundAttrs puts the background server in a session of its own so it
// survives the terminal that ran 'serve start'.
func backgroundAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
