// Package match resolves AI-produced category and tag strings onto canonical
// taxonomy rows with exact, normalized and fuzzy lookups.
package match

import (
	"strings"
)

// DefaultCutoff is the minimum fuzzy similarity accepted by Lookup.
const DefaultCutoff = 0.8

// Normalize lowercases, drops '&' and '-' and collapses whitespace so near
// variants of the same name compare equal.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}

// lcsLen returns the longest-common-subsequence length of two strings,
// compared rune-wise.
func lcsLen(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Similarity is the LCS ratio 2*lcs/(len(a)+len(b)) over rune counts.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la+lb == 0 {
		return 0
	}
	return 2 * float64(lcsLen(a, b)) / float64(la+lb)
}

// Lookup resolves key against the index: exact match first, then normalized,
// then the best fuzzy candidate at or above cutoff.
func Lookup(key string, index map[string]string, cutoff float64) (string, bool) {
	if key == "" || len(index) == 0 {
		return "", false
	}
	if id, ok := index[key]; ok {
		return id, true
	}
	norm := Normalize(key)
	if id, ok := index[norm]; ok {
		return id, true
	}
	bestScore := 0.0
	bestID := ""
	for k, id := range index {
		score := Similarity(norm, Normalize(k))
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	if bestScore >= cutoff {
		return bestID, true
	}
	return "", false
}
