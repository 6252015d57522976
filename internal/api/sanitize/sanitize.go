// Package sanitize cleans operator-supplied identifiers and labels before
// they reach the domain layer.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// bluemonday policies are safe for concurrent use once built.
var strict = bluemonday.StrictPolicy()

// Text strips all markup and surrounding space. Entities are decoded again so
// values such as "eu & us" survive unchanged.
func Text(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(trimmed)))
}

// StringSlice applies Text to each value and drops the empty results. A
// fully empty result is nil.
func StringSlice(values []string) []string {
	var out []string
	for _, value := range values {
		if cleaned := Text(value); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}
