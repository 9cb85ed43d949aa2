package router

import (
	"math"
	"regexp"
	"strings"

	"sieve/internal/textutil"
)

const (
	lengthSaturationRunes = 1200
	topicSaturation       = 4
	topicOverlapCutoff    = 0.2

	lengthWeight    = 0.4
	topicWeight     = 0.35
	ambiguityWeight = 0.25
)

var (
	segmentSplitPattern = regexp.MustCompile(`[.!?;\n]+`)
	topicMarkerPattern  = regexp.MustCompile(`(?i)\b(also|and another|another thing|additionally|separately|unrelated|on top of that|plus)\b`)

	positiveLexicon = map[string]struct{}{
		"love": {}, "great": {}, "excellent": {}, "amazing": {}, "helpful": {}, "fast": {},
		"easy": {}, "nice": {}, "good": {}, "awesome": {}, "like": {}, "thanks": {},
	}
	negativeLexicon = map[string]struct{}{
		"hate": {}, "slow": {}, "broken": {}, "bug": {}, "crash": {}, "crashes": {}, "terrible": {},
		"bad": {}, "confusing": {}, "annoying": {}, "fails": {}, "error": {}, "missing": {}, "worse": {},
	}
)

// Complexity scores content in [0,1] from its length, the number of distinct
// topics it raises, and how mixed its sentiment is.
func Complexity(content string) float64 {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}
	length := math.Min(float64(len([]rune(content)))/lengthSaturationRunes, 1)
	topics := math.Min(float64(distinctTopics(content)-1)/topicSaturation, 1)
	if topics < 0 {
		topics = 0
	}
	score := lengthWeight*length + topicWeight*topics + ambiguityWeight*sentimentAmbiguity(content)
	return math.Max(0, math.Min(1, score))
}

// distinctTopics counts segments that share little vocabulary with any
// earlier segment, plus explicit topic-shift markers.
func distinctTopics(content string) int {
	var seen []*textutil.TermVector
	topics := 0
	for _, segment := range segmentSplitPattern.Split(content, -1) {
		fp := textutil.NewTermVector(segment)
		if fp == nil {
			continue
		}
		novel := true
		for _, prev := range seen {
			if textutil.Overlap(fp, prev) >= topicOverlapCutoff {
				novel = false
				break
			}
		}
		if novel && len(seen) > 0 {
			topics++
		}
		seen = append(seen, fp)
	}
	if len(seen) > 0 {
		topics++
	}
	topics += len(topicMarkerPattern.FindAllStringIndex(content, -1))
	if topics == 0 {
		topics = 1
	}
	return topics
}

// sentimentAmbiguity is 1 when positive and negative lexicon hits balance
// and 0 when only one polarity appears.
func sentimentAmbiguity(content string) float64 {
	var pos, neg int
	for _, token := range textutil.Terms(content) {
		if _, ok := positiveLexicon[token]; ok {
			pos++
		}
		if _, ok := negativeLexicon[token]; ok {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	return float64(min(pos, neg)) / float64(max(pos, neg))
}
