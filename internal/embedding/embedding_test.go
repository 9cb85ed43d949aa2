package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"sieve/internal/services"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunningMeanMatchesMean(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	centroid := vectors[0]
	for i := 1; i < len(vectors); i++ {
		centroid = RunningMean(centroid, vectors[i], i)
	}
	mean := Mean(vectors)
	for i := range mean {
		if math.Abs(float64(mean[i]-centroid[i])) > 1e-6 {
			t.Fatalf("running mean %v differs from mean %v", centroid, mean)
		}
	}
}

func TestMeanEmpty(t *testing.T) {
	if Mean(nil) != nil {
		t.Fatal("expected nil mean for no vectors")
	}
}

type stubProvider struct {
	vector []float32
	delay  time.Duration
}

func (s stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.vector, nil
}

func TestClientRejectsDimensionMismatch(t *testing.T) {
	client := NewClient(stubProvider{vector: []float32{1, 2}}, "m", 3, time.Second, nil)
	_, err := client.Embed(context.Background(), "hello")
	if !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	client := NewClient(stubProvider{vector: []float32{1}, delay: time.Second}, "m", 1, 10*time.Millisecond, nil)
	_, err := client.Embed(context.Background(), "hello")
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClientRejectsEmptyText(t *testing.T) {
	client := NewClient(stubProvider{vector: []float32{1}}, "m", 1, time.Second, nil)
	if _, err := client.Embed(context.Background(), "  "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
