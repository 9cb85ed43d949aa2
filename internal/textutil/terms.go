package textutil

import (
	"math"
	"regexp"
	"strings"
)

var termSplitPattern = regexp.MustCompile(`[^a-z0-9]+`)

// minTermLength drops articles and most stop words without a word list.
const minTermLength = 3

// Terms lowercases text and splits it on anything that is not a letter or
// digit, keeping words of at least three characters.
func Terms(text string) []string {
	raw := termSplitPattern.Split(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, term := range raw {
		if len(term) >= minTermLength {
			out = append(out, term)
		}
	}
	return out
}

// TermVector is a bag-of-words count vector for one piece of feedback.
type TermVector struct {
	counts map[string]float64
	norm   float64
}

// NewTermVector returns nil when text has no usable terms.
func NewTermVector(text string) *TermVector {
	terms := Terms(text)
	if len(terms) == 0 {
		return nil
	}
	v := &TermVector{counts: make(map[string]float64, len(terms))}
	for _, term := range terms {
		v.counts[term]++
	}
	var sum float64
	for _, c := range v.counts {
		sum += c * c
	}
	v.norm = math.Sqrt(sum)
	return v
}

// Len is the number of distinct terms.
func (v *TermVector) Len() int {
	if v == nil {
		return 0
	}
	return len(v.counts)
}

// Overlap is the cosine of the angle between two term vectors, 0 when either
// is nil.
func Overlap(a, b *TermVector) float64 {
	if a == nil || b == nil || a.norm == 0 || b.norm == 0 {
		return 0
	}
	small, large := a, b
	if len(small.counts) > len(large.counts) {
		small, large = large, small
	}
	var dot float64
	for term, c := range small.counts {
		dot += c * large.counts[term]
	}
	return dot / (a.norm * b.norm)
}
