package schema

import (
	"fmt"
	"testing"
)

func TestScalarTypes(t *testing.T) {
	tests := []struct {
		typ     Type
		value   any
		wantErr bool
	}{
		{String(), "hello", false},
		{String(), "", false},
		{String(), 42, true},
		{Text(), "plan", false},
		{Text(), "   ", true},
		{Text(), nil, true},
		{Int(), 42, false},
		{Int(), float64(42), false},  // whole number from JSON
		{Int(), float64(42.5), true}, // not whole
		{Int(), "42", true},
		{Float(), 3.14, false},
		{Float(), 42, false},
		{Float(), "3.14", true},
		{Bool(), true, false},
		{Bool(), 1, true},
	}

	for _, tt := range tests {
		err := tt.typ.Validate(tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s.Validate(%v) error = %v, wantErr %v", tt.typ.Name(), tt.value, err, tt.wantErr)
		}
	}
}

func TestRangeType(t *testing.T) {
	typ := Range(0, 1)

	if typ.Name() != "float[0,1]" {
		t.Errorf("Name() = %q, want %q", typ.Name(), "float[0,1]")
	}

	tests := []struct {
		value   any
		wantErr bool
	}{
		{0.0, false},
		{0.85, false},
		{1, false},
		{1.01, true},
		{-0.1, true},
		{"0.9", true},
	}

	for _, tt := range tests {
		err := typ.Validate(tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestEnumType(t *testing.T) {
	typ := Enum("pass", "fail")

	if typ.Name() != "enum(pass|fail)" {
		t.Errorf("Name() = %q", typ.Name())
	}
	if err := typ.Validate("pass"); err != nil {
		t.Errorf("Validate(pass) error = %v", err)
	}
	if err := typ.Validate("running"); err == nil {
		t.Error("Validate(running) should fail")
	}
	if err := typ.Validate(true); err == nil {
		t.Error("Validate(true) should fail")
	}
}

func TestSliceType(t *testing.T) {
	stringSlice := Slice(String())
	nested := Slice(Slice(String()))

	tests := []struct {
		typ     Type
		value   any
		wantErr bool
		desc    string
	}{
		{stringSlice, []string{"a", "b"}, false, "string slice"},
		{stringSlice, []any{"a", "b"}, false, "decoded JSON array"},
		{stringSlice, []any{"a", 2}, true, "mixed array"},
		{stringSlice, "not a slice", true, "string instead of slice"},
		{nested, [][]string{{"a"}, {"b", "c"}}, false, "nested"},
	}

	for _, tt := range tests {
		err := tt.typ.Validate(tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate(%v) error = %v, wantErr %v", tt.desc, tt.value, err, tt.wantErr)
		}
	}
}

func TestMapType(t *testing.T) {
	if err := Map(nil).Validate(map[string]any{"code": "print(1)", "n": 2}); err != nil {
		t.Errorf("unconstrained map error = %v", err)
	}
	if err := Map(nil).Validate([]any{"x"}); err == nil {
		t.Error("array should not validate as map")
	}
	if err := Map(String()).Validate(map[string]any{"main.py": "entrypoint"}); err != nil {
		t.Errorf("typed map error = %v", err)
	}
	if err := Map(String()).Validate(map[string]any{"main.py": 1}); err == nil {
		t.Error("typed map should reject non-string value")
	}
}

func TestOptionalType(t *testing.T) {
	typ := Optional(Int())
	if typ.Name() != "int?" {
		t.Errorf("Name() = %q", typ.Name())
	}
	if err := typ.Validate(nil); err != nil {
		t.Errorf("nil should be accepted, got %v", err)
	}
	if err := typ.Validate("x"); err == nil {
		t.Error("wrong type should still fail")
	}
}

func TestCustomType(t *testing.T) {
	relativePath := Custom("relpath", func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("not a string")
		}
		if len(s) > 0 && s[0] == '/' {
			return fmt.Errorf("absolute path")
		}
		return nil
	})

	if relativePath.Name() != "relpath" {
		t.Errorf("Name() = %q, want %q", relativePath.Name(), "relpath")
	}
	if err := relativePath.Validate("src/main.py"); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := relativePath.Validate("/etc/passwd"); err == nil {
		t.Error("absolute path should fail")
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		input    string
		wantErr  bool
		wantName string
	}{
		{"string", false, "string"},
		{"text", false, "text"},
		{"int", false, "int"},
		{"float", false, "float"},
		{"bool", false, "bool"},
		{"map", false, "map"},
		{"[string]", false, "[string]"},
		{"[[int]]", false, "[[int]]"},
		{"int?", false, "int?"},
		{"[string]?", false, "[string]?"},
		{"invalid", true, ""},
		{"[invalid]", true, ""},
		{"?", true, ""},
	}

	for _, tt := range tests {
		typ, err := ParseType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && typ.Name() != tt.wantName {
			t.Errorf("ParseType(%q) Name() = %q, want %q", tt.input, typ.Name(), tt.wantName)
		}
	}
}

func TestParseTypeMap(t *testing.T) {
	s, err := ParseTypeMap(map[string]string{
		"path":  "text",
		"lines": "int?",
	})
	if err != nil {
		t.Fatalf("ParseTypeMap() error = %v", err)
	}
	if !IsOptional(s["lines"]) {
		t.Error("lines should be optional")
	}

	if _, err := ParseTypeMap(map[string]string{"x": "uuid"}); err == nil {
		t.Fatal("ParseTypeMap() should return error for invalid type")
	}
}
