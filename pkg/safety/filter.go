package safety

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrBlockedContent is returned when a prompt contains blocked terms.
	ErrBlockedContent = errors.New("blocked content detected")
	// ErrPromptInjection is returned when a prompt looks like an injection attempt.
	ErrPromptInjection = errors.New("potential prompt injection detected")
)

// RedactedEmail replaces e-mail addresses in generated text.
const RedactedEmail = "[EMAIL_REDACTED]"

var (
	defaultBlocked = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbadword\b`),
		regexp.MustCompile(`(?i)\bfailmode\b`),
	}
	defaultInjection = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
		regexp.MustCompile(`(?i)system override`),
		regexp.MustCompile(`(?i)you are now.*unrestricted`),
	}
	emailPattern = regexp.MustCompile(`[\w.\-]+@[\w.\-]+\.\w+`)
)

// Filter screens prompts before generation and redacts generated output.
type Filter struct {
	blocked   []*regexp.Regexp
	injection []*regexp.Regexp
	redact    bool
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// WithBlockedPatterns appends extra blocked-content patterns.
func WithBlockedPatterns(patterns ...string) FilterOption {
	return func(f *Filter) {
		for _, p := range patterns {
			f.blocked = append(f.blocked, regexp.MustCompile(p))
		}
	}
}

// WithRedaction toggles e-mail redaction of generated output (default on).
func WithRedaction(enabled bool) FilterOption {
	return func(f *Filter) {
		f.redact = enabled
	}
}

// NewFilter creates a Filter with the default pattern set.
func NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{
		blocked:   append([]*regexp.Regexp(nil), defaultBlocked...),
		injection: append([]*regexp.Regexp(nil), defaultInjection...),
		redact:    true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CheckInput rejects text that matches a blocked or injection pattern.
func (f *Filter) CheckInput(text string) error {
	for _, p := range f.blocked {
		if p.MatchString(text) {
			return fmt.Errorf("%w: %s", ErrBlockedContent, p.String())
		}
	}
	for _, p := range f.injection {
		if p.MatchString(text) {
			return ErrPromptInjection
		}
	}
	return nil
}

// RedactOutput masks personal data in generated text.
func (f *Filter) RedactOutput(text string) string {
	if !f.redact {
		return text
	}
	return emailPattern.ReplaceAllString(text, RedactedEmail)
}
