package process

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sharedRunName holds the files of invocations that carry no run ID.
const sharedRunName = "unscoped"

// runDirName maps a run ID to a single safe path element.
func runDirName(runID string) string {
	if runID == "" {
		return sharedRunName
	}
	if filepath.IsLocal(runID) && !strings.ContainsAny(runID, `/\`) && len(runID) <= 128 {
		return runID
	}
	sum := sha256.Sum256([]byte(runID))
	return hex.EncodeToString(sum[:12])
}

func (s *Sandbox) runsRoot() string {
	if s.runRoot != "" {
		return s.runRoot
	}
	return filepath.Join(s.scratchRoot, "espalier-runs")
}

// runDir returns the private workspace of a run, creating it on first use.
// A new directory starts as a copy of the seed workspace, so runs see the same
// files but never each other's writes.
func (s *Sandbox) runDir(runID string) (string, error) {
	name := runDirName(runID)

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if dir, ok := s.runDirs[name]; ok {
		return dir, nil
	}

	dir := filepath.Join(s.runsRoot(), name)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create run root: %w", err)
	}
	err := os.Mkdir(dir, 0o755)
	switch {
	case errors.Is(err, fs.ErrExist):
		// Left by an earlier process for the same run; keep its files.
	case err != nil:
		return "", fmt.Errorf("create run workspace: %w", err)
	default:
		if err := s.seed(dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}
	s.runDirs[name] = dir
	return dir, nil
}

func (s *Sandbox) seed(dir string) error {
	if s.workspace == "" {
		return nil
	}
	info, err := os.Stat(s.workspace)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat seed workspace: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("seed workspace %s is not a directory", s.workspace)
	}
	if err := os.CopyFS(dir, os.DirFS(s.workspace)); err != nil {
		return fmt.Errorf("seed run workspace: %w", err)
	}
	return nil
}

// ReleaseRun removes the private workspace of a finished run.
// It is a no-op when run workspaces are kept for inspection.
func (s *Sandbox) ReleaseRun(runID string) error {
	if s.keepRuns {
		return nil
	}
	name := runDirName(runID)

	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.runDirs, name)
	if err := os.RemoveAll(filepath.Join(s.runsRoot(), name)); err != nil {
		return fmt.Errorf("remove run workspace: %w", err)
	}
	return nil
}
