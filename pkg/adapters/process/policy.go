package process

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// ToolInterceptor can block a tool invocation before it runs.
// It returns true if execution should proceed. A blocked invocation returns the
// ToolResult describing the denial; the error is reserved for system faults.
type ToolInterceptor func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error)

// MultiInterceptor chains multiple interceptors.
func MultiInterceptor(interceptors ...ToolInterceptor) ToolInterceptor {
	return func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error) {
		for _, interceptor := range interceptors {
			allowed, result, err := interceptor(ctx, inv)
			if err != nil {
				return false, domain.ToolResult{}, err // System Error
			}
			if !allowed {
				return false, result, nil // Blocked by policy
			}
		}
		return true, domain.ToolResult{}, nil // All allowed
	}
}

func deny(inv domain.ToolInvocation, kind domain.ViolationKind, format string, args ...any) (bool, domain.ToolResult, error) {
	v := &domain.ToolViolation{Kind: kind, Tool: inv.Name, Detail: fmt.Sprintf(format, args...)}
	return false, domain.ToolResult{
		Name:      inv.Name,
		ExitCode:  -1,
		Violation: kind,
		Error:     v.Error(),
	}, nil
}

// KnownToolPolicy rejects invocations of tools the sandbox does not provide.
func KnownToolPolicy(known func(name string) bool) ToolInterceptor {
	return func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error) {
		if !known(inv.Name) {
			return deny(inv, domain.ViolationDisallowed, "%v", domain.ErrUnknownTool)
		}
		return true, domain.ToolResult{}, nil
	}
}

// NetworkPolicy blocks inputs that try to open network connections.
// Python sources are scanned for imports of network modules; shell commands
// are checked for network clients.
func NetworkPolicy() ToolInterceptor {
	return func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error) {
		if cmd, ok := inv.Input["command"].(string); ok && inv.Name == ToolShell {
			if m := networkCommand(cmd); m != "" {
				return deny(inv, domain.ViolationNetwork, "network access is not permitted (%q)", m)
			}
		}
		for _, src := range pythonSources(inv) {
			if m := networkImport(src); m != "" {
				return deny(inv, domain.ViolationNetwork, "network access is not permitted (%q)", m)
			}
		}
		return true, domain.ToolResult{}, nil
	}
}

// pythonSources returns the inputs that are run as Python code.
func pythonSources(inv domain.ToolInvocation) []string {
	var srcs []string
	for _, key := range []string{"code", "test_code"} {
		if s, ok := inv.Input[key].(string); ok {
			srcs = append(srcs, s)
		}
	}
	if files, ok := inv.Input["files"].(map[string]any); ok {
		for _, name := range sortedKeys(files) {
			if s, ok := files[name].(string); ok && filepath.Ext(name) == ".py" {
				srcs = append(srcs, s)
			}
		}
	}
	return srcs
}

// PathPolicy keeps file arguments inside the restricted root.
// Paths must be relative and must not climb out with "..".
func PathPolicy() ToolInterceptor {
	return func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error) {
		var paths []string
		if p, ok := inv.Input["path"].(string); ok {
			paths = append(paths, p)
		}
		if files, ok := inv.Input["files"].(map[string]any); ok {
			paths = append(paths, sortedKeys(files)...)
		}
		if cmd, ok := inv.Input["command"].(string); ok {
			for _, arg := range strings.Fields(cmd)[min(1, len(strings.Fields(cmd))):] {
				if strings.HasPrefix(arg, "-") {
					continue
				}
				if strings.ContainsRune(arg, '/') || arg == ".." {
					paths = append(paths, arg)
				}
			}
		}
		for _, p := range paths {
			if !localPath(p) {
				return deny(inv, domain.ViolationPathEscape, "path %q escapes the sandbox root", p)
			}
		}
		return true, domain.ToolResult{}, nil
	}
}

func localPath(p string) bool {
	return p != "" && filepath.IsLocal(p)
}

// shellMeta are characters that would need a shell to interpret.
const shellMeta = ";|&$><`\\\n"

// AllowListPolicy restricts the shell tool to allow-listed commands.
// An entry matches the first argv token ("ls") or an exact prefix ("git status").
func AllowListPolicy(allowed []string) ToolInterceptor {
	return func(ctx context.Context, inv domain.ToolInvocation) (bool, domain.ToolResult, error) {
		if inv.Name != ToolShell {
			return true, domain.ToolResult{}, nil
		}
		cmd, _ := inv.Input["command"].(string)
		if strings.ContainsAny(cmd, shellMeta) {
			return deny(inv, domain.ViolationDisallowed, "shell operators are not permitted")
		}
		if !commandAllowed(strings.Fields(cmd), allowed) {
			return deny(inv, domain.ViolationDisallowed, "command %q is not allow-listed", cmd)
		}
		return true, domain.ToolResult{}, nil
	}
}

func commandAllowed(argv []string, allowed []string) bool {
	if len(argv) == 0 {
		return false
	}
	for _, entry := range allowed {
		want := strings.Fields(entry)
		if len(want) == 0 || len(want) > len(argv) {
			continue
		}
		if slices.Equal(argv[:len(want)], want) {
			return true
		}
	}
	return false
}
