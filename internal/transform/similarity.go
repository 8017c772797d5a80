package transform

import (
	"strings"
	"unicode/utf8"
)

// StringSimilarity returns a normalized similarity in [0,1] between two
// strings based on Levenshtein distance. Comparison is case-insensitive
// and ignores surrounding whitespace.
func StringSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	distance := levenshtein(a, b)
	longest := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > longest {
		longest = l
	}
	return 1.0 - float64(distance)/float64(longest)
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming formulation.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
