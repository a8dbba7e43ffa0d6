// Package safety holds the input and output screening applied around the
// generation backbone: objective sanitization, blocked-content and prompt-injection
// checks, and redaction of personal data in generated text.
package safety
