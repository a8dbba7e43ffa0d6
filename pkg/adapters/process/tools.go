package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/schema"
)

// Built-in tool names.
const (
	ToolPythonExec = "python_exec"
	ToolRunTests   = "run_tests"
	ToolFileRead   = "file_read"
	ToolFileWrite  = "file_write"
	ToolShell      = "shell"
)

var builtinSpecs = map[string]domain.ToolSpec{
	ToolPythonExec: {
		Name: ToolPythonExec, Kind: domain.KindCode,
		Description: "Run a Python snippet. Input: {code}.",
		Parameters:  map[string]any{"code": "text"},
	},
	ToolRunTests: {
		Name: ToolRunTests, Kind: domain.KindTest,
		Description: "Run code together with its tests. Input: {code, test_code, files?}. Fails on a non-zero exit or a traceback.",
		Parameters:  map[string]any{"code": "text", "test_code": "text", "files": "map?"},
	},
	ToolFileRead: {
		Name: ToolFileRead, Kind: domain.KindFile,
		Description: "Read a file in the run workspace. Input: {path}.",
		Parameters:  map[string]any{"path": "text"},
	},
	ToolFileWrite: {
		Name: ToolFileWrite, Kind: domain.KindFile,
		Description: "Write a file in the run workspace. Input: {path, content}.",
		Parameters:  map[string]any{"path": "text", "content": "string"},
	},
	ToolShell: {
		Name: ToolShell, Kind: domain.KindCommand,
		Description: "Run an allow-listed command (ls, grep, cat, git status, echo) in the run workspace. Input: {command}.",
		Parameters:  map[string]any{"command": "text"},
	},
}

var builtinSchemas = func() map[string]schema.Schema {
	out := make(map[string]schema.Schema, len(builtinSpecs))
	for name, spec := range builtinSpecs {
		types := make(map[string]string, len(spec.Parameters))
		for k, v := range spec.Parameters {
			types[k] = v.(string)
		}
		s, err := schema.ParseTypeMap(types)
		if err != nil {
			panic(err)
		}
		out[name] = s
	}
	return out
}()

func kindOf(name string) domain.ToolKind {
	if spec, ok := builtinSpecs[name]; ok {
		return spec.Kind
	}
	return domain.KindProcess
}

func invalidInput(err error) domain.ToolResult {
	return domain.ToolResult{ExitCode: -1, Error: fmt.Sprintf("invalid input: %v", err)}
}

func (s *Sandbox) dispatch(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	if sc, ok := builtinSchemas[inv.Name]; ok {
		if err := schema.Validate(sc, inv.Input); err != nil {
			return invalidInput(err), nil
		}
	}

	switch inv.Name {
	case ToolPythonExec:
		code := inv.Input["code"].(string)
		return s.runInScratch(ctx, inv, map[string]string{"main.py": code}, append(slices.Clone(s.interpreter), "main.py"))
	case ToolRunTests:
		files := map[string]string{}
		if extra, ok := inv.Input["files"].(map[string]any); ok {
			for name, content := range extra {
				files[name] = fmt.Sprint(content)
			}
		}
		code := inv.Input["code"].(string)
		tests := inv.Input["test_code"].(string)
		files["test_solution.py"] = code + "\n\n" + tests + "\n"
		res, err := s.runInScratch(ctx, inv, files, append(slices.Clone(s.interpreter), "test_solution.py"))
		return res, err
	case ToolFileRead, ToolFileWrite, ToolShell:
		dir, err := s.runDir(inv.RunID)
		if err != nil {
			return domain.ToolResult{}, err
		}
		switch inv.Name {
		case ToolFileRead:
			return s.fileRead(dir, inv.Input["path"].(string)), nil
		case ToolFileWrite:
			return s.fileWrite(dir, inv.Input["path"].(string), inv.Input["content"].(string)), nil
		}
		argv := strings.Fields(inv.Input["command"].(string))
		return s.run(ctx, inv, runSpec{argv: argv, dir: dir})
	}

	cfg, ok := s.registry[inv.Name]
	if !ok {
		return domain.ToolResult{ExitCode: -1, Violation: domain.ViolationDisallowed, Error: domain.ErrUnknownTool.Error()}, nil
	}
	return s.runRegistered(ctx, inv, cfg)
}

func (s *Sandbox) runRegistered(ctx context.Context, inv domain.ToolInvocation, cfg ProcessConfig) (domain.ToolResult, error) {
	if err := schema.Validate(cfg.inputSchema, inv.Input); err != nil {
		return invalidInput(err), nil
	}
	// Inputs travel as environment variables, never as argv, to rule out flag injection.
	env := make([]string, 0, len(inv.Input)+len(cfg.Environment))
	for _, k := range sortedKeys(cfg.Environment) {
		env = append(env, k+"="+cfg.Environment[k])
	}
	for _, k := range sortedKeys(inv.Input) {
		env = append(env, "ESPALIER_ARG_"+strings.ToUpper(k)+"="+argValue(inv.Input[k]))
	}
	argv := append([]string{cfg.Command}, cfg.Args...)
	return s.runInScratchWithEnv(ctx, inv, nil, argv, env)
}

func argValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func (s *Sandbox) runInScratch(ctx context.Context, inv domain.ToolInvocation, files map[string]string, argv []string) (domain.ToolResult, error) {
	return s.runInScratchWithEnv(ctx, inv, files, argv, nil)
}

func (s *Sandbox) runInScratchWithEnv(ctx context.Context, inv domain.ToolInvocation, files map[string]string, argv []string, env []string) (domain.ToolResult, error) {
	dir, err := os.MkdirTemp(s.scratchRoot, "espalier-*")
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	written := make([]string, 0, len(files))
	for _, name := range sortedKeys(files) {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return domain.ToolResult{}, fmt.Errorf("prepare scratch dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			return domain.ToolResult{}, fmt.Errorf("write scratch file: %w", err)
		}
		written = append(written, name)
	}

	res, err := s.run(ctx, inv, runSpec{argv: argv, dir: dir, env: env})
	res.Artifacts = newFiles(dir, written)
	return res, err
}

// newFiles lists files the tool created in dir, relative and sorted.
func newFiles(dir string, skip []string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || slices.Contains(skip, rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	sort.Strings(out)
	return out
}

func (s *Sandbox) fileRead(dir, path string) domain.ToolResult {
	data, err := os.ReadFile(filepath.Join(dir, filepath.Clean(path)))
	if err != nil {
		return domain.ToolResult{ExitCode: 1, Error: err.Error()}
	}
	out := string(data)
	if len(out) > s.maxOutput {
		cut := s.maxOutput
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return domain.ToolResult{Stdout: out}
}

func (s *Sandbox) fileWrite(dir, path, content string) domain.ToolResult {
	target := filepath.Join(dir, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return domain.ToolResult{ExitCode: 1, Error: err.Error()}
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return domain.ToolResult{ExitCode: 1, Error: err.Error()}
	}
	return domain.ToolResult{
		Stdout:    fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Artifacts: []string{filepath.ToSlash(filepath.Clean(path))},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
