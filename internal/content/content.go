package content

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var ErrInvalidUsername = errors.New("invalid username")

var (
	policy        = bluemonday.UGCPolicy()
	textPolicy    = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a markdown message body to sanitized HTML.
// On conversion failure the escaped body is returned.
func Render(body string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return Escape(body)
	}
	return policy.Sanitize(buf.String())
}

// PlainText strips the markup of a rendered body for text-only output.
func PlainText(rendered string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(rendered)))
}

// Truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidUsername)
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: contains invalid characters (allowed: alphanumeric, dot, dash, underscore)", ErrInvalidUsername)
	}
	return nil
}
