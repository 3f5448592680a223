package ngpt

import (
	"math/rand"
	"testing"
)

func TestSampleGreedy(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logits := []float64{0.1, 2.5, -1, 2.4}
	if got := Sample(rng, logits, 0, 0, 0); got != 1 {
		t.Fatalf("temperature 0 sampled %d, want argmax 1", got)
	}
}

func TestSampleTopKOne(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	logits := []float64{1, 3, 2}
	for i := 0; i < 50; i++ {
		if got := Sample(rng, logits, 1.5, 1, 0); got != 1 {
			t.Fatalf("top-k 1 sampled %d", got)
		}
	}
}

func TestSampleTopPNucleus(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	// Token 0 holds nearly all the mass; a tight nucleus excludes the rest.
	logits := []float64{10, 0, 0, 0}
	for i := 0; i < 50; i++ {
		if got := Sample(rng, logits, 1, 0, 0.5); got != 0 {
			t.Fatalf("top-p 0.5 sampled %d", got)
		}
	}
}

func TestSampleCoversSupport(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	logits := []float64{0, 0, 0}
	seen := map[int]bool{}
	for i := 0; i < 300; i++ {
		tok := Sample(rng, logits, 1, 0, 0)
		if tok < 0 || tok > 2 {
			t.Fatalf("sampled %d out of range", tok)
		}
		seen[tok] = true
	}
	if len(seen) != 3 {
		t.Fatalf("uniform sampling only reached %d of 3 tokens", len(seen))
	}
}

func TestSampleDeterministicPerSeed(t *testing.T) {
	logits := []float64{0.3, 0.1, 0.9, 0.2, 0.5}
	draw := func(seed int64) []int {
		rng := rand.New(rand.NewSource(seed))
		out := make([]int, 20)
		for i := range out {
			out[i] = Sample(rng, logits, 0.8, 3, 0.95)
		}
		return out
	}
	a, b := draw(7), draw(7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d differs across identical seeds", i)
		}
	}
}

func TestArgmax(t *testing.T) {
	if got := argmax([]float64{-3, -1, -2}); got != 1 {
		t.Fatalf("argmax = %d, want 1", got)
	}
}
