// Package fuzz implements the weighted-ratio string similarity used to match
// free-text location queries against catalog keys.
//
// All scores are integers in 0..100. Similarity is measured on runes, so
// CJK text scores the same way Latin text does. Functions suffixed with
// nothing expect already-normalised input (see tokenizer.Normalize); WRatio
// normalises its arguments itself.
package fuzz

import (
	"math"
	"sort"
	"strings"

	"github.com/fourma/bikelocator/internal/resolver/tokenizer"
)

const (
	unbaseScale         = 0.95
	partialScale        = 0.90
	longPartialScale    = 0.60
	partialLengthRatio  = 1.5
	longLengthRatio     = 8.0
	perfectPartialRatio = 0.995
)

// Ratio returns the indel similarity 2*LCS/(len(a)+len(b)) scaled to 0..100.
// Only identical strings score 100.
func Ratio(a, b string) int {
	return ratioRunes([]rune(a), []rune(b))
}

func ratioRunes(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	score := round(100 * similarity(a, b))
	if score == 100 && string(a) != string(b) {
		return 99
	}
	return score
}

// PartialRatio scores the shorter string against every same-length window of
// the longer one and returns the best result. Windows that run past the end
// of the longer string are clipped.
func PartialRatio(a, b string) int {
	shorter, longer := []rune(a), []rune(b)
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) == 0 {
		return 0
	}

	best := 0.0
	for start := 0; start < len(longer); start++ {
		end := min(start+len(shorter), len(longer))
		r := similarity(shorter, longer[start:end])
		if r > perfectPartialRatio {
			return 100
		}
		best = max(best, r)
	}
	return round(100 * best)
}

// TokenSortRatio compares a and b after sorting their tokens.
func TokenSortRatio(a, b string) int {
	return Ratio(tokenizer.SortedTokens(a), tokenizer.SortedTokens(b))
}

// PartialTokenSortRatio is TokenSortRatio using PartialRatio.
func PartialTokenSortRatio(a, b string) int {
	return PartialRatio(tokenizer.SortedTokens(a), tokenizer.SortedTokens(b))
}

// TokenSetRatio compares the shared tokens of a and b against each side's
// shared-plus-remaining tokens, ignoring order and repetition.
func TokenSetRatio(a, b string) int {
	return tokenSetScore(a, b, Ratio)
}

// PartialTokenSetRatio is TokenSetRatio using PartialRatio.
func PartialTokenSetRatio(a, b string) int {
	return tokenSetScore(a, b, PartialRatio)
}

func tokenSetScore(a, b string, score func(string, string) int) int {
	if a == "" || b == "" {
		return 0
	}
	setA, setB := tokenizer.TokenSet(a), tokenizer.TokenSet(b)

	var shared, onlyA, onlyB []string
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			shared = append(shared, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range setB {
		if _, ok := setA[tok]; !ok {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(shared)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	sect := strings.Join(shared, " ")
	combinedA := strings.TrimSpace(sect + " " + strings.Join(onlyA, " "))
	combinedB := strings.TrimSpace(sect + " " + strings.Join(onlyB, " "))

	return max(
		score(sect, combinedA),
		score(sect, combinedB),
		score(combinedA, combinedB),
	)
}

// WRatio normalises a and b and returns their weighted ratio.
func WRatio(a, b string) int {
	return WRatioNormalized(tokenizer.Normalize(a), tokenizer.Normalize(b))
}

// WRatioNormalized blends Ratio, PartialRatio and the token ratios of two
// normalised strings. Strings of similar length are compared whole; when one
// is at least 1.5 times longer the partial scorers are used instead, scaled
// down so that a substring hit never outranks an exact match.
func WRatioNormalized(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	base := float64(Ratio(a, b))

	la, lb := float64(len([]rune(a))), float64(len([]rune(b)))
	lengthRatio := max(la, lb) / min(la, lb)

	if lengthRatio < partialLengthRatio {
		sortScore := float64(TokenSortRatio(a, b)) * unbaseScale
		setScore := float64(TokenSetRatio(a, b)) * unbaseScale
		return round(max(base, sortScore, setScore))
	}

	scale := partialScale
	if lengthRatio > longLengthRatio {
		scale = longPartialScale
	}
	partial := float64(PartialRatio(a, b)) * scale
	sortScore := float64(PartialTokenSortRatio(a, b)) * unbaseScale * scale
	setScore := float64(PartialTokenSetRatio(a, b)) * unbaseScale * scale
	return round(max(base, partial, sortScore, setScore))
}

// ExtractOne scores a normalised query against normalised choices and
// returns the index and score of the best one. Ties keep the earliest
// choice. ok is false when choices is empty.
func ExtractOne(query string, choices []string) (index, score int, ok bool) {
	index = -1
	for i, choice := range choices {
		s := WRatioNormalized(query, choice)
		if index < 0 || s > score {
			index, score = i, s
		}
	}
	return index, score, index >= 0
}

func similarity(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 0
	}
	return float64(2*lcsLength(a, b)) / float64(total)
}

// lcsLength returns the length of the longest common subsequence of a and b.
func lcsLength(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func round(x float64) int {
	return int(math.RoundToEven(x))
}
