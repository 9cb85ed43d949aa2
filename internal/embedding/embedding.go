// Package embedding defines the embedding capability the dedup engine relies
// on, the vector math around it, and the provider-backed implementation.
package embedding

import (
	"context"
	"math"
)

// Embedder turns text into a fixed-dimension vector. Implementations must be
// deterministic for a given model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
	Model() string
}

// Cosine returns the cosine similarity of a and b. Mismatched or zero vectors
// score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RunningMean folds v into a centroid that already averages n vectors.
func RunningMean(centroid, v []float32, n int) []float32 {
	if n <= 0 || len(centroid) != len(v) {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(centroid))
	denom := float64(n + 1)
	for i := range centroid {
		c := float64(centroid[i])
		out[i] = float32(c + (float64(v[i])-c)/denom)
	}
	return out
}

// Mean averages vectors of equal dimension. Vectors with a different
// dimension than the first are skipped. Returns nil for no input.
func Mean(vectors [][]float32) []float32 {
	var (
		sum   []float64
		count int
	)
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}
