// Package priority scores clusters. Scores are a pure function of cluster
// state and a reference time so repeated computation is stable.
package priority

import (
	"math"
	"time"

	"sieve/internal/config"
	"sieve/internal/store"
)

// Bucket names.
const (
	Low    = "low"
	Medium = "medium"
	High   = "high"
)

// Input is the cluster state a score depends on.
type Input struct {
	Size         int
	AvgSentiment float64
	MostRecent   time.Time
}

// Scorer holds weights and bucket thresholds.
type Scorer struct {
	SizeWeight      float64
	SentimentWeight float64
	RecencyWeight   float64
	HalfLife        time.Duration
	MediumThreshold float64
	HighThreshold   float64
}

// NewScorer builds a scorer from configuration.
func NewScorer(cfg config.Priority) Scorer {
	return Scorer{
		SizeWeight:      cfg.SizeWeight,
		SentimentWeight: cfg.SentimentWeight,
		RecencyWeight:   cfg.RecencyWeight,
		HalfLife:        time.Duration(cfg.HalfLifeHours * float64(time.Hour)),
		MediumThreshold: cfg.MediumThreshold,
		HighThreshold:   cfg.HighThreshold,
	}
}

// Score returns the numeric priority and its bucket as of now.
func (s Scorer) Score(in Input, now time.Time) (float64, string) {
	size := in.Size
	if size < 0 {
		size = 0
	}
	score := s.SizeWeight*math.Log1p(float64(size)) +
		s.SentimentWeight*math.Abs(in.AvgSentiment) +
		s.RecencyWeight*s.recencyDecay(in.MostRecent, now)
	return score, s.Bucket(score)
}

// Bucket maps a score onto low, medium, or high.
func (s Scorer) Bucket(score float64) string {
	switch {
	case score < s.MediumThreshold:
		return Low
	case score < s.HighThreshold:
		return Medium
	default:
		return High
	}
}

// recencyDecay halves every HalfLife. Future timestamps count as age 0.
func (s Scorer) recencyDecay(mostRecent, now time.Time) float64 {
	if mostRecent.IsZero() {
		return 0
	}
	age := now.Sub(mostRecent)
	if age < 0 {
		age = 0
	}
	if s.HalfLife <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(s.HalfLife))
}

// InputFromMembers summarizes a committed membership. Members without a
// sentiment are left out of the average.
func InputFromMembers(members []store.ClusterMember) Input {
	in := Input{Size: len(members)}
	var (
		sum   float64
		rated int
	)
	for _, m := range members {
		if m.Sentiment != nil {
			sum += *m.Sentiment
			rated++
		}
		if m.CreatedAt.After(in.MostRecent) {
			in.MostRecent = m.CreatedAt
		}
	}
	if rated > 0 {
		in.AvgSentiment = sum / float64(rated)
	}
	return in
}
