package logits

import "testing"

func TestArgmaxLowestIndexTieBreak(t *testing.T) {
	t.Parallel()

	logs := []float32{1, 5, 5, 5, 2}
	if got := Argmax(logs); got != 1 {
		t.Fatalf("tie break: got %d want 1", got)
	}
}

func TestGreedySampler(t *testing.T) {
	t.Parallel()

	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99})
	if got := s.Sample(logs); got != 3 {
		t.Fatalf("greedy: got %d want 3", got)
	}
}

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 1, 2, 3, 4, 5}
	a := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	b := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 16; i++ {
		x := a.Sample(logs)
		y := b.Sample(logs)
		if x != y {
			t.Fatalf("draw %d diverged: %d vs %d", i, x, y)
		}
	}
}

func TestSamplerTopPCutoff(t *testing.T) {
	t.Parallel()

	// The first candidate dominates the softmax, so top-p 0.5 pins it.
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if got := s.Sample(logs); got != 0 {
			t.Fatalf("top-p returned %d", got)
		}
	}
}

func TestSamplerStaysInTopK(t *testing.T) {
	t.Parallel()

	logs := []float32{1, 9, 8, 0, -3, -4}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1.0, TopK: 2, TopP: 1.0})
	for i := 0; i < 32; i++ {
		got := s.Sample(logs)
		if got != 1 && got != 2 {
			t.Fatalf("sample escaped top-k: %d", got)
		}
	}
}
