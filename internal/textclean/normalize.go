// Package textclean holds the text transforms applied around classification:
// input normalization, sentence handling and the quality gate for generated
// replies.
package textclean

import (
	"regexp"
	"strings"
)

var (
	// Latin letters (Portuguese diacritics included), digits, whitespace and
	// the punctuation kept for addresses, dates and amounts.
	disallowedChars = regexp.MustCompile(`[^A-Za-zÀ-ÖØ-öø-ÿ0-9\s.,;:\-@/()]`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// Normalize replaces every character outside the allowed set with a space,
// collapses whitespace runs to a single space and trims the result.
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = disallowedChars.ReplaceAllString(text, " ")
	return CollapseSpaces(text)
}

// CollapseSpaces turns every whitespace run into one space and trims.
func CollapseSpaces(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}
