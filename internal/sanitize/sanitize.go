// Package sanitize cleans user supplied text before it is stored or shown in
// a notification.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	tagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern = regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed|style|svg|img|link|meta)\b|javascript\s*:|vbscript\s*:|data\s*:\s*text/html|\bon[a-z]+\s*=`)
)

// nameChars are rejected outright in short identifiers such as family names.
const nameChars = "<>{}\"`"

// HasMarkupChars reports whether s contains characters that have no place in
// a display name.
func HasMarkupChars(s string) bool {
	return strings.ContainsAny(s, nameChars)
}

// HasScript reports whether s looks like it carries executable markup.
func HasScript(s string) bool {
	return scriptPattern.MatchString(s)
}

// Text trims s, drops control characters and collapses runs of whitespace.
// Newlines are kept so descriptions keep their paragraphs.
func Text(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == '\n':
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
			}
			space = true
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return b.String()
}

// Strip removes tags and any stray angle brackets, then normalises
// whitespace onto a single line.
func Strip(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
