//go:build !unix

package process

import (
	"os/exec"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func resourceExceeded(exitErr *exec.ExitError, stderr string, limits domain.Limits) bool {
	return limits.MemoryBytes > 0 && strings.Contains(stderr, "MemoryError")
}
