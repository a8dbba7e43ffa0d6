package process_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/process"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ports.RunScoped = (*process.Sandbox)(nil)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process group semantics require a unix system")
	}
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func newSandbox(t *testing.T, opts ...process.SandboxOption) (*process.Sandbox, *memory.AuditLog, string) {
	t.Helper()
	workspace := t.TempDir()
	audit := memory.NewAuditLog()
	base := []process.SandboxOption{
		process.WithWorkspace(workspace),
		process.WithScratchRoot(t.TempDir()),
		process.WithAuditLog(audit),
	}
	return process.NewSandbox(append(base, opts...)...), audit, workspace
}

func TestSandbox_Timeout(t *testing.T) {
	requireUnix(t)
	const timeout = 200 * time.Millisecond
	const grace = 500 * time.Millisecond

	sb, _, _ := newSandbox(t, process.WithKillGrace(grace))
	// The shell forks sleep; only a group kill stops both.
	require.NoError(t, sb.Register(process.ProcessConfig{Name: "sleeper", Command: "sh", Args: []string{"-c", "sleep 30; echo done"}}))

	start := time.Now()
	res, err := sb.Execute(context.Background(), domain.ToolInvocation{
		RunID: "run-1", Iteration: 1, Name: "sleeper",
		Limits: domain.Limits{Timeout: timeout},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, domain.ViolationTimeout, res.Violation)
	assert.False(t, res.Passed())
	assert.NotContains(t, res.Stdout, "done")
	assert.Less(t, elapsed, timeout+grace+time.Second, "result must arrive within timeout plus grace")
}

func TestSandbox_AppendOnlyResults(t *testing.T) {
	requireUnix(t)
	sb, audit, _ := newSandbox(t)
	ctx := context.Background()
	inv := domain.ToolInvocation{RunID: "run-ao", Iteration: 1, Name: process.ToolShell, Input: map[string]any{"command": "echo hello"}}

	first, err := sb.Execute(ctx, inv)
	require.NoError(t, err)
	second, err := sb.Execute(ctx, inv)
	require.NoError(t, err)

	assert.Equal(t, "hello\n", first.Stdout)
	assert.True(t, first.Passed())
	assert.NotEqual(t, first.ID, second.ID, "every execution gets a fresh result")
	assert.NotEqual(t, first.InvocationID, second.InvocationID)
	assert.Equal(t, first.LogicalKey, second.LogicalKey, "same logical action")

	entries, err := audit.Query(ctx, "run-ao")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	kinds := []ports.AuditKind{entries[0].Kind, entries[1].Kind, entries[2].Kind, entries[3].Kind}
	assert.Equal(t, []ports.AuditKind{ports.AuditToolInvocation, ports.AuditToolResult, ports.AuditToolInvocation, ports.AuditToolResult}, kinds)
	assert.Equal(t, first.ID, entries[1].Ref)
	assert.Equal(t, second.ID, entries[3].Ref)
}

func TestSandbox_Policy(t *testing.T) {
	sb, audit, _ := newSandbox(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  domain.ViolationKind
	}{
		{"unknown tool", "rm_everything", nil, domain.ViolationDisallowed},
		{"socket import", process.ToolPythonExec, map[string]any{"code": "import socket\nsocket.create_connection(('example.com', 80))"}, domain.ViolationNetwork},
		{"requests in tests", process.ToolRunTests, map[string]any{"code": "from requests import get", "test_code": "assert True"}, domain.ViolationNetwork},
		{"curl via shell", process.ToolShell, map[string]any{"command": "curl http://example.com"}, domain.ViolationNetwork},
		{"absolute read", process.ToolFileRead, map[string]any{"path": "/etc/passwd"}, domain.ViolationPathEscape},
		{"climbing write", process.ToolFileWrite, map[string]any{"path": "../outside.txt", "content": "x"}, domain.ViolationPathEscape},
		{"cat outside", process.ToolShell, map[string]any{"command": "cat ../../secret"}, domain.ViolationPathEscape},
		{"not allow-listed", process.ToolShell, map[string]any{"command": "rm -rf build"}, domain.ViolationDisallowed},
		{"git push", process.ToolShell, map[string]any{"command": "git push origin main"}, domain.ViolationDisallowed},
		{"shell operators", process.ToolShell, map[string]any{"command": "ls; rm x"}, domain.ViolationDisallowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sb.Execute(ctx, domain.ToolInvocation{RunID: "run-policy", Iteration: 1, Name: tt.tool, Input: tt.input})
			require.NoError(t, err, "policy breaches are results, not errors")
			assert.Equal(t, tt.want, res.Violation)
			assert.NotEmpty(t, res.ID)
			assert.False(t, res.Passed())
		})
	}

	entries, err := audit.Query(ctx, "run-policy")
	require.NoError(t, err)
	assert.Len(t, entries, 2*len(tests), "blocked invocations are audited too")
}

func TestSandbox_FileTools(t *testing.T) {
	runs := t.TempDir()
	sb, _, workspace := newSandbox(t, process.WithRunRoot(runs))
	ctx := context.Background()

	res, err := sb.Execute(ctx, domain.ToolInvocation{RunID: "run-files", Name: process.ToolFileWrite, Input: map[string]any{"path": "src/reverse.py", "content": "def rev(s): return s[::-1]\n"}})
	require.NoError(t, err)
	require.True(t, res.Passed(), res.Error)
	assert.Equal(t, []string{"src/reverse.py"}, res.Artifacts)
	assert.FileExists(t, filepath.Join(runs, "run-files", "src", "reverse.py"))
	assert.NoFileExists(t, filepath.Join(workspace, "src", "reverse.py"), "the seed workspace is never written")

	res, err = sb.Execute(ctx, domain.ToolInvocation{RunID: "run-files", Name: process.ToolFileRead, Input: map[string]any{"path": "src/reverse.py"}})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "s[::-1]")

	res, err = sb.Execute(ctx, domain.ToolInvocation{RunID: "run-files", Name: process.ToolFileRead, Input: map[string]any{"path": "missing.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, res.Violation)

	res, err = sb.Execute(ctx, domain.ToolInvocation{RunID: "run-files", Name: process.ToolFileRead, Input: map[string]any{}})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "invalid input")
}

func TestSandbox_RunWorkspaces(t *testing.T) {
	runs := t.TempDir()
	sb, _, workspace := newSandbox(t, process.WithRunRoot(runs))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "hello.txt"), []byte("hello"), 0o644))
	ctx := context.Background()

	invoke := func(runID, tool string, input map[string]any) domain.ToolResult {
		t.Helper()
		res, err := sb.Execute(ctx, domain.ToolInvocation{RunID: runID, Iteration: 1, Name: tool, Input: input})
		require.NoError(t, err)
		return res
	}
	write := func(runID, content string) {
		t.Helper()
		res := invoke(runID, process.ToolFileWrite, map[string]any{"path": "solution.py", "content": content})
		require.True(t, res.Passed(), res.Error)
	}

	write("run-a", "print('a')")
	assert.Equal(t, 1, invoke("run-b", process.ToolFileRead, map[string]any{"path": "solution.py"}).ExitCode,
		"another run's file is not visible")
	assert.Equal(t, "hello", invoke("run-b", process.ToolFileRead, map[string]any{"path": "hello.txt"}).Stdout,
		"every run starts from the seed workspace")

	write("run-b", "print('b')")
	assert.Equal(t, "print('a')", invoke("run-a", process.ToolFileRead, map[string]any{"path": "solution.py"}).Stdout,
		"a concurrent run cannot overwrite")

	if runtime.GOOS != "windows" {
		ls := invoke("run-c", process.ToolShell, map[string]any{"command": "ls"})
		require.True(t, ls.Passed(), ls.Stderr)
		assert.Equal(t, "hello.txt\n", ls.Stdout)
	}

	require.NoError(t, sb.ReleaseRun("run-a"))
	assert.NoDirExists(t, filepath.Join(runs, "run-a"))
	assert.DirExists(t, filepath.Join(runs, "run-b"))
	assert.Equal(t, 1, invoke("run-a", process.ToolFileRead, map[string]any{"path": "solution.py"}).ExitCode)
}

func TestSandbox_KeepRunWorkspaces(t *testing.T) {
	runs := t.TempDir()
	sb, _, _ := newSandbox(t, process.WithRunRoot(runs), process.WithKeepRunWorkspaces(true))

	res, err := sb.Execute(context.Background(), domain.ToolInvocation{RunID: "run-k", Name: process.ToolFileWrite, Input: map[string]any{"path": "out.txt", "content": "x"}})
	require.NoError(t, err)
	require.True(t, res.Passed(), res.Error)
	require.NoError(t, sb.ReleaseRun("run-k"))
	assert.FileExists(t, filepath.Join(runs, "run-k", "out.txt"))
}

func TestSandbox_RunIDsStayInsideRunRoot(t *testing.T) {
	runs := t.TempDir()
	sb, _, _ := newSandbox(t, process.WithRunRoot(runs))

	res, err := sb.Execute(context.Background(), domain.ToolInvocation{RunID: "../escape", Name: process.ToolFileWrite, Input: map[string]any{"path": "f.txt", "content": "x"}})
	require.NoError(t, err)
	require.True(t, res.Passed(), res.Error)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(runs), "escape", "f.txt"))

	entries, err := os.ReadDir(runs)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.FileExists(t, filepath.Join(runs, entries[0].Name(), "f.txt"))
}

func TestSandbox_RegisteredToolEnv(t *testing.T) {
	requireUnix(t)
	sb, _, _ := newSandbox(t)
	require.NoError(t, sb.Register(process.ProcessConfig{
		Name:    "greet",
		Command: "sh",
		Args:    []string{"-c", `echo "$ESPALIER_ARG_NAME:$ESPALIER_SEED:$HOSTILE"`},
		Inputs:  map[string]string{"name": "text"},
	}))
	t.Setenv("HOSTILE", "leaked")

	res, err := sb.Execute(context.Background(), domain.ToolInvocation{Name: "greet", Seed: 42, Input: map[string]any{"name": "espalier"}})
	require.NoError(t, err)
	assert.Equal(t, "espalier:42:\n", res.Stdout, "host variables stay outside the sandbox")
	assert.Equal(t, domain.KindProcess, res.Kind)

	res, err = sb.Execute(context.Background(), domain.ToolInvocation{Name: "greet", Input: map[string]any{}})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "invalid input")
}

func TestSandbox_Saturation(t *testing.T) {
	requireUnix(t)
	sb, _, _ := newSandbox(t, process.WithWorkers(1), process.WithQueueTimeout(50*time.Millisecond))
	require.NoError(t, sb.Register(process.ProcessConfig{Name: "slow", Command: "sh", Args: []string{"-c", "sleep 1"}}))

	var started atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		started.Store(true)
		_, _ = sb.Execute(context.Background(), domain.ToolInvocation{Name: "slow"})
	}()
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	res, err := sb.Execute(context.Background(), domain.ToolInvocation{Name: process.ToolShell, Input: map[string]any{"command": "echo hi"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ViolationSaturated, res.Violation)
	<-done
}

func TestSandbox_Cancellation(t *testing.T) {
	requireUnix(t)
	sb, _, _ := newSandbox(t)
	require.NoError(t, sb.Register(process.ProcessConfig{Name: "sleeper", Command: "sh", Args: []string{"-c", "sleep 30"}}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res, err := sb.Execute(ctx, domain.ToolInvocation{Name: "sleeper", Limits: domain.Limits{Timeout: 10 * time.Second}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", res.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSandbox_Python(t *testing.T) {
	requireUnix(t)
	requirePython(t)
	sb, _, _ := newSandbox(t)
	ctx := context.Background()

	t.Run("run_tests pass", func(t *testing.T) {
		res, err := sb.Execute(ctx, domain.ToolInvocation{Name: process.ToolRunTests, Input: map[string]any{
			"code":      "def reverse(s):\n    return s[::-1]",
			"test_code": "assert reverse('abc') == 'cba'\nprint('ok')",
		}})
		require.NoError(t, err)
		assert.True(t, res.Passed(), res.Stderr)
		assert.Equal(t, "ok\n", res.Stdout)
	})

	t.Run("run_tests failure", func(t *testing.T) {
		res, err := sb.Execute(ctx, domain.ToolInvocation{Name: process.ToolRunTests, Input: map[string]any{
			"code":      "def reverse(s):\n    return s",
			"test_code": "assert reverse('abc') == 'cba'",
		}})
		require.NoError(t, err)
		assert.False(t, res.Passed())
		assert.Contains(t, res.Stderr, "Traceback")
	})

	t.Run("seeded hash", func(t *testing.T) {
		run := func() string {
			res, err := sb.Execute(ctx, domain.ToolInvocation{Name: process.ToolPythonExec, Seed: 7, Input: map[string]any{"code": "print(hash('espalier'))"}})
			require.NoError(t, err)
			return res.Stdout
		}
		assert.Equal(t, run(), run(), "same seed, same environment")
	})

	t.Run("artifacts", func(t *testing.T) {
		res, err := sb.Execute(ctx, domain.ToolInvocation{Name: process.ToolPythonExec, Input: map[string]any{"code": "open('out.txt', 'w').write('x')"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"out.txt"}, res.Artifacts)
	})
}

func TestSandbox_Tools(t *testing.T) {
	sb, _, _ := newSandbox(t)
	require.NoError(t, sb.Register(process.ProcessConfig{Name: "lint", Command: "true", Description: "Run the linter"}))
	assert.Error(t, sb.Register(process.ProcessConfig{Name: process.ToolShell, Command: "sh"}))

	var names []string
	for _, spec := range sb.Tools() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"file_read", "file_write", "lint", "python_exec", "run_tests", "shell"}, names)
}

func TestLoadTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	content := `
tools:
  - name: fmt_check
    command: gofmt
    args: ["-l", "."]
    description: List unformatted files
    timeout: 5s
    inputs:
      pattern: string?
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tools, err := process.LoadTools(path)
	require.NoError(t, err)
	require.Contains(t, tools, "fmt_check")
	assert.Equal(t, 5*time.Second, tools["fmt_check"].Timeout)
	assert.Equal(t, []string{"-l", "."}, tools["fmt_check"].Args)

	missing, err := process.LoadTools(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tools:\n  - name: x\n    command: y\n    inputs:\n      a: decimal\n"), 0o644))
	_, err = process.LoadTools(bad)
	assert.Error(t, err)

}
