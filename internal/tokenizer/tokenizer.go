// Package tokenizer turns document and query text into normalized token streams.
package tokenizer

import (
	"regexp"
	"strings"
)

var nonWord = regexp.MustCompile(`[^\w\s]`)

// Tokenize lowercases the text, replaces every non-word character with a
// space, collapses whitespace runs, and splits the remainder into tokens.
// It is deterministic and keeps the original token order.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	text = nonWord.ReplaceAllString(text, " ")
	return strings.Fields(text)
}

// Frequencies counts the occurrences of each token.
func Frequencies(tokens []string) map[string]int {
	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}
	return freq
}
