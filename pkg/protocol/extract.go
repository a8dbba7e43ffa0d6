package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoJSON is returned when a reply contains no JSON object at all.
	ErrNoJSON = errors.New("no JSON object found")
	// ErrMalformedJSON is returned when the extracted candidate does not parse.
	ErrMalformedJSON = errors.New("malformed JSON")
)

var fencePattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// ExtractJSON pulls the first JSON object out of a backbone reply.
// A fenced ```json block wins; otherwise the span between the first '{'
// and the last '}' is used.
func ExtractJSON(text string) (map[string]any, error) {
	candidate := ""
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end == -1 || end < start {
			return nil, ErrNoJSON
		}
		candidate = text[start : end+1]
	}

	var data any
	if err := json.Unmarshal([]byte(candidate), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, want object", ErrMalformedJSON, data)
	}
	return obj, nil
}
