//go:build unix

package process

import (
	"os/exec"
	"strings"
	"syscall"

	"github.com/aretw0/espalier/pkg/domain"
)

// killGroup sends SIGKILL to the whole process group (negative PID).
func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// resourceExceeded reports whether the process died from an rlimit.
func resourceExceeded(exitErr *exec.ExitError, stderr string, limits domain.Limits) bool {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGXCPU:
			return true
		case syscall.SIGKILL, syscall.SIGSEGV:
			// Without our own kill, these come from the CPU hard limit or a failed allocation.
			return limits.CPUSeconds > 0 || limits.MemoryBytes > 0
		}
	}
	return limits.MemoryBytes > 0 && strings.Contains(stderr, "MemoryError")
}
