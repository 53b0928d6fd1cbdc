package shared

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// The strict policy keeps text content only. Policies are safe for concurrent use.
var stripPolicy = bluemonday.StrictPolicy()

// StripMarkup removes every HTML tag from s, decodes entities and trims
// surrounding whitespace.
func StripMarkup(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// CollapseWhitespace replaces every run of whitespace with a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
