// Package tokenizer prepares location text for fuzzy scoring. It folds
// full-width forms to their narrow equivalents, lower-cases input, replaces
// every rune that is not a letter, number or underscore with a space, and
// splits the result on whitespace.
package tokenizer

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Normalize returns the processed form of text. Interior runs of spaces are
// kept as-is; only leading and trailing whitespace is removed.
func Normalize(text string) string {
	text = width.Fold.String(text)
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_' {
			return r
		}
		return ' '
	}, text)
	return strings.TrimSpace(strings.ToLower(text))
}

// Tokenize splits already-normalised text into its whitespace separated
// tokens.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// SortedTokens returns the tokens of text in lexical order joined by single
// spaces.
func SortedTokens(text string) string {
	tokens := Tokenize(text)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}
