//go:build !unix

package process

import "syscall"

const namespacesSupported = false

func sysProcAttr(isolateNet bool) *syscall.SysProcAttr {
	return nil
}

func namespaceRefused(err error) bool { return false }
