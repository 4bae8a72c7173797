//go:build windows

package cmd

import "syscall"

// backgroundAttrs detaches the background server from the console's Ctrl-C
// group and hides its window.
func backgroundAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP, HideWindow: true}
}
