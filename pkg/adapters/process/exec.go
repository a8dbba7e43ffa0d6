package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

// deadProxy points proxy-aware clients at a closed port.
const deadProxy = "http://127.0.0.1:9"

type runSpec struct {
	argv []string
	dir  string
	env  []string
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		c.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }

// buildEnv constructs the isolated environment of a tool process.
// It starts empty: only the fixed base, allow-listed host variables and
// the tool's own variables are visible.
func (s *Sandbox) buildEnv(inv domain.ToolInvocation, dir string, extra []string) []string {
	vars := map[string]string{
		"PATH":                    "/usr/local/bin:/usr/bin:/bin",
		"HOME":                    dir,
		"TMPDIR":                  dir,
		"LANG":                    "C.UTF-8",
		"PYTHONHASHSEED":          strconv.FormatUint(uint64(inv.Seed)&0xffffffff, 10),
		"PYTHONDONTWRITEBYTECODE": "1",
		"ESPALIER_SEED":           strconv.FormatInt(inv.Seed, 10),
		"http_proxy":              deadProxy,
		"https_proxy":             deadProxy,
		"HTTP_PROXY":              deadProxy,
		"HTTPS_PROXY":             deadProxy,
		"ALL_PROXY":               deadProxy,
	}
	for _, name := range s.envAllow {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// run starts a process in its own process group and enforces the wall-clock
// limit by killing the whole group.
func (s *Sandbox) run(ctx context.Context, inv domain.ToolInvocation, spec runSpec) (domain.ToolResult, error) {
	if len(spec.argv) == 0 {
		return domain.ToolResult{ExitCode: -1, Error: "empty command"}, nil
	}

	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: s.maxOutput}
	cmd, err := s.start(inv, spec, stdout, stderr)
	if err != nil {
		// A missing interpreter or command is a tool failure, not a sandbox fault.
		return domain.ToolResult{ExitCode: 127, Error: fmt.Sprintf("failed to start %s: %v", spec.argv[0], err)}, nil
	}
	if err := applyLimits(cmd.Process.Pid, inv.Limits); err != nil {
		s.logger.Warn("resource limits not applied", "tool", inv.Name, "err", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(inv.Limits.Timeout)
	defer timer.Stop()

	var waitErr error
	var violation domain.ViolationKind
	var cancelled bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		violation = domain.ViolationTimeout
		waitErr = s.killAndWait(cmd, done)
	case <-ctx.Done():
		cancelled = true
		waitErr = s.killAndWait(cmd, done)
	}

	res := domain.ToolResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Violation: violation,
	}
	switch {
	case cancelled:
		res.ExitCode = -1
		res.Error = "cancelled"
		return res, ctx.Err()
	case violation == domain.ViolationTimeout:
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", inv.Limits.Timeout)
		return res, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.ExitCode = -1
			res.Error = waitErr.Error()
			return res, nil
		}
		res.ExitCode = exitErr.ExitCode()
		if resourceExceeded(exitErr, res.Stderr, inv.Limits) {
			res.Violation = domain.ViolationResource
			res.Error = "resource limit exceeded"
		}
	}
	return res, nil
}

// start launches the process, inside a network namespace when isolation is on.
// If the host refuses to create namespaces, isolation is switched off for the
// lifetime of the sandbox and the process is started without it.
func (s *Sandbox) start(inv domain.ToolInvocation, spec runSpec, stdout, stderr *cappedBuffer) (*exec.Cmd, error) {
	newCmd := func(isolate bool) *exec.Cmd {
		cmd := exec.Command(spec.argv[0], spec.argv[1:]...)
		cmd.Dir = spec.dir
		cmd.Env = s.buildEnv(inv, spec.dir, spec.env)
		cmd.SysProcAttr = sysProcAttr(isolate)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		return cmd
	}

	isolate := s.isolateNet.Load()
	cmd := newCmd(isolate)
	err := cmd.Start()
	if err == nil || !isolate || !namespaceRefused(err) {
		return cmd, err
	}
	plain := newCmd(false)
	if perr := plain.Start(); perr != nil {
		// Not a namespace problem after all.
		return plain, perr
	}
	s.isolateNet.Store(false)
	s.isolateWarn.Do(func() {
		s.logger.Warn("network namespaces unavailable, relying on the network policy", "err", err)
	})
	return plain, nil
}

// NetworkIsolated reports whether tool processes are started in their own
// network namespace.
func (s *Sandbox) NetworkIsolated() bool {
	return namespacesSupported && s.isolateNet.Load()
}

// killAndWait kills the process group and waits at most the grace period for exit.
func (s *Sandbox) killAndWait(cmd *exec.Cmd, done <-chan error) error {
	killGroup(cmd)
	select {
	case err := <-done:
		return err
	case <-time.After(s.killGrace):
		return fmt.Errorf("process group did not exit within %s", s.killGrace)
	}
}
