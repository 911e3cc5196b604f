package retrieval

import (
	"math"
	"strings"
	"unicode"
)

// keywordSimilarity blends the Jaccard overlap of keywords with text and
// the share of keywords found in it. Substring hits count 0.7.
func keywordSimilarity(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	target := strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range tokenize(target) {
		words[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		switch {
		case words[kw]:
			matched++
			weighted++
		case strings.Contains(target, kw):
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}
	jaccard := float64(matched) / math.Max(float64(len(keywords)+len(words)-matched), 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase words of two or more runes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
