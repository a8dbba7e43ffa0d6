//go:build linux

package process

import (
	"errors"
	"os"
	"syscall"

	"github.com/aretw0/espalier/pkg/domain"
	"golang.org/x/sys/unix"
)

const namespacesSupported = true

// sysProcAttr puts the process in its own group. With isolateNet the child
// also gets a private network namespace holding only a down loopback
// interface. Unprivileged callers get it through a user namespace that maps
// their own uid and gid.
func sysProcAttr(isolateNet bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if !isolateNet {
		return attr
	}
	attr.Cloneflags = syscall.CLONE_NEWNET
	if uid := os.Geteuid(); uid != 0 {
		gid := os.Getegid()
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// namespaceRefused reports start errors caused by the kernel or a seccomp
// profile denying namespace creation.
func namespaceRefused(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.ENOSYS)
}

// applyLimits sets address-space and CPU rlimits on a started process.
func applyLimits(pid int, limits domain.Limits) error {
	var errs []error
	if limits.MemoryBytes > 0 {
		rl := unix.Rlimit{Cur: limits.MemoryBytes, Max: limits.MemoryBytes}
		errs = append(errs, unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil))
	}
	if limits.CPUSeconds > 0 {
		// Soft limit raises SIGXCPU, the hard limit one second later kills.
		rl := unix.Rlimit{Cur: limits.CPUSeconds, Max: limits.CPUSeconds + 1}
		errs = append(errs, unix.Prlimit(pid, unix.RLIMIT_CPU, &rl, nil))
	}
	return errors.Join(errs...)
}
