//go:build !linux

package process

import "github.com/aretw0/espalier/pkg/domain"

// applyLimits is a no-op where prlimit is unavailable; the wall-clock limit still applies.
func applyLimits(pid int, limits domain.Limits) error {
	return nil
}
