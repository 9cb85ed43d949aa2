package testsupport

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
)

// FakeEmbedder returns fixed vectors for known texts and a hash-derived vector
// otherwise. It counts calls so tests can assert on provider traffic.
type FakeEmbedder struct {
	mu      sync.Mutex
	Vectors map[string][]float32
	Err     error
	Dim     int
	calls   int
}

// NewFakeEmbedder builds a FakeEmbedder of the given dimension.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Vectors: make(map[string][]float32), Dim: dim}
}

// Set registers the vector returned for text.
func (f *FakeEmbedder) Set(text string, vector []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Vectors[text] = vector
}

// Embed implements embedding.Embedder.
func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if v, ok := f.Vectors[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}
	if f.Dim <= 0 {
		return nil, errors.New("fake embedder has no dimension")
	}
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, f.Dim)
	for i := range out {
		out[i] = float32(sum[i%len(sum)]) - 127.5
	}
	return out, nil
}

// Dims implements embedding.Embedder.
func (f *FakeEmbedder) Dims() int { return f.Dim }

// Model implements embedding.Embedder.
func (f *FakeEmbedder) Model() string { return "fake-embedding" }

// Calls returns how many times Embed ran.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
