package textclean

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxSentences is how many sentences a generated reply may keep.
const DefaultMaxSentences = 2

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]?`)

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// SplitSentences cuts text after every terminal mark that is followed by
// whitespace. Parts are trimmed and empty parts dropped.
func SplitSentences(text string) []string {
	var parts []string
	start := 0
	for i, r := range text {
		if !isTerminal(r) {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next >= len(text) {
			break
		}
		if n, _ := utf8.DecodeRuneInString(text[next:]); !unicode.IsSpace(n) {
			continue
		}
		if p := strings.TrimSpace(text[start:next]); p != "" {
			parts = append(parts, p)
		}
		start = next
	}
	if p := strings.TrimSpace(text[start:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// RemoveDuplicates drops every sentence that repeats, ignoring case, the
// sentence kept right before it, and joins the rest with single spaces.
// Applying it to its own output changes nothing.
func RemoveDuplicates(text string) string {
	var kept []string
	for _, p := range SplitSentences(text) {
		if len(kept) > 0 && strings.EqualFold(p, kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, " ")
}

// FirstSentences keeps at most max sentences. A sentence is a run of
// non-terminal characters closed by '.', '!' or '?'; the last fragment may be
// unterminated.
func FirstSentences(text string, max int) string {
	matches := sentencePattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	if max > 0 && len(matches) > max {
		matches = matches[:max]
	}
	for i, m := range matches {
		matches[i] = strings.TrimSpace(m)
	}
	return strings.TrimSpace(strings.Join(matches, " "))
}

// EnsureTerminal appends a period when text does not already end with a
// terminal mark. Empty text is returned unchanged.
func EnsureTerminal(text string) string {
	if text == "" {
		return text
	}
	last, _ := utf8.DecodeLastRuneInString(text)
	if isTerminal(last) {
		return text
	}
	return text + "."
}
