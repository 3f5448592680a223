package ngpt

import (
	"math/rand"
	"sort"

	"ngptd/pkg/tensor"
)

// Sample draws a token id from logits. Temperature 0 selects the
// argmax. topK > 0 keeps only the K most likely tokens and
// 0 < topP < 1 keeps the smallest set whose cumulative probability
// reaches topP; both filters renormalize before the draw.
func Sample(rng *rand.Rand, logits []float64, temperature float64, topK int, topP float64) int {
	if temperature <= 0 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = l / temperature
	}
	probs := make([]float64, len(scaled))
	tensor.SoftmaxInto(probs, scaled)

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	keep := len(idx)
	if topK > 0 && topK < keep {
		keep = topK
	}
	if topP > 0 && topP < 1 {
		cum := 0.0
		for i := 0; i < keep; i++ {
			cum += probs[idx[i]]
			if cum >= topP {
				keep = i + 1
				break
			}
		}
	}

	total := 0.0
	for i := 0; i < keep; i++ {
		total += probs[idx[i]]
	}
	r := rng.Float64() * total
	cum := 0.0
	for i := 0; i < keep; i++ {
		cum += probs[idx[i]]
		if r < cum {
			return idx[i]
		}
	}
	return idx[keep-1]
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
