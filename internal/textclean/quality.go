package textclean

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minGeneratedRunes = 6
	minRepeatCeiling  = 10
)

// Artifacts small instruct models produce when they drift into training data
// instead of answering.
var degeneratePhrases = []string{
	"meu amigo",
	"i am a",
	"i am",
	"doctor",
	"aaa",
	"...",
}

var wordToken = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// IsDegenerate reports whether generated text must be rejected: too short,
// containing a known artifact, or dominated by a single repeated word.
func IsDegenerate(text string) bool {
	if utf8.RuneCountInString(text) < minGeneratedRunes {
		return true
	}
	low := strings.ToLower(text)
	for _, phrase := range degeneratePhrases {
		if strings.Contains(low, phrase) {
			return true
		}
	}

	tokens := wordToken.FindAllString(low, -1)
	if len(tokens) == 0 {
		return true
	}
	ceiling := max(minRepeatCeiling, len(tokens)/2)
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > ceiling {
			return true
		}
	}
	return false
}
