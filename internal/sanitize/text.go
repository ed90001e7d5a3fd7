// Package sanitize turns scraped strings into plain single-line text.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strictPolicy removes every tag and attribute.
var strictPolicy = bluemonday.StrictPolicy()

// Text strips markup, decodes entities and collapses runs of whitespace.
// Scraped titles and place names regularly arrive with stray tags, &nbsp;
// padding and embedded newlines.
func Text(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(strictPolicy.Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}

// OptionalText is Text for nullable columns: blank results become nil.
func OptionalText(input string) *string {
	cleaned := Text(input)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
