package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/espalier/pkg/schema"
	"gopkg.in/yaml.v3"
)

// ProcessConfig represents a registered process tool from tools.yaml.
type ProcessConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`

	// Inputs maps argument names to schema types ("string", "int?", "[string]").
	Inputs map[string]string `yaml:"inputs" json:"inputs"`

	// Timeout overrides the default wall-clock limit for this tool.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	inputSchema schema.Schema
}

// ConfigFile represents the structure of tools.yaml
type ConfigFile struct {
	Tools []ProcessConfig `yaml:"tools" json:"tools"`
}

// LoadTools reads a configuration file (YAML or JSON) and returns a map of tool names to configs.
func LoadTools(path string) (map[string]ProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing default file means no registered tools.
			return map[string]ProcessConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read tools config: %w", err)
	}

	var cfg ConfigFile
	ext := strings.ToLower(filepath.Ext(path))

	if ext == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse tools.json: %w", err)
		}
	} else {
		// Default to YAML
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse tools.yaml: %w", err)
		}
	}

	toolMap := make(map[string]ProcessConfig)
	for _, tool := range cfg.Tools {
		if tool.Name == "" {
			continue
		}
		if _, builtin := builtinSpecs[tool.Name]; builtin {
			return nil, fmt.Errorf("tool %q shadows a built-in tool", tool.Name)
		}
		if tool.Command == "" {
			return nil, fmt.Errorf("tool %q: command is required", tool.Name)
		}
		s, err := schema.ParseTypeMap(tool.Inputs)
		if err != nil {
			return nil, fmt.Errorf("tool %q inputs: %w", tool.Name, err)
		}
		tool.inputSchema = s
		toolMap[tool.Name] = tool
	}

	return toolMap, nil
}
