//go:build unix && !linux

package process

import "syscall"

const namespacesSupported = false

// Network namespaces are Linux only; elsewhere NetworkPolicy is the control.
func sysProcAttr(isolateNet bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func namespaceRefused(err error) bool { return false }
