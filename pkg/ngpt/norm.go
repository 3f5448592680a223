package ngpt

import (
	"fmt"
	"math"
)

const (
	// normFloor guards divisions when a vector norm collapses to zero.
	normFloor = 1e-10
	// normalizeEps matches the epsilon used by plain unit normalization.
	normalizeEps = 1e-12
)

// L2NormInto writes the unit-normalized src into dst. With normEps > 0
// the norm is only pulled into the band [1-normEps, 1+normEps] instead
// of exactly 1. With groups > 1 the vector is split into equal chunks
// that are normalized independently. dst and src may alias.
func L2NormInto(dst, src []float64, normEps float64, groups int) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("ngpt: l2norm length mismatch %d vs %d", len(dst), len(src)))
	}
	if groups < 1 {
		groups = 1
	}
	if len(src)%groups != 0 {
		panic(fmt.Sprintf("ngpt: l2norm length %d not divisible by %d groups", len(src), groups))
	}
	chunk := len(src) / groups
	for g := 0; g < groups; g++ {
		normChunk(dst[g*chunk:(g+1)*chunk], src[g*chunk:(g+1)*chunk], normEps)
	}
}

func normChunk(dst, src []float64, normEps float64) {
	norm := 0.0
	for _, v := range src {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	if normEps == 0 {
		div := norm
		if div < normalizeEps {
			div = normalizeEps
		}
		for i, v := range src {
			dst[i] = v / div
		}
		return
	}

	// Norms already inside the tolerance band are left untouched.
	target := norm
	if target < 1-normEps {
		target = 1 - normEps
	} else if target > 1+normEps {
		target = 1 + normEps
	}
	div := norm / target
	if div < normFloor {
		div = normFloor
	}
	for i, v := range src {
		dst[i] = v / div
	}
}

// L2Norm returns a normalized copy of src.
func L2Norm(src []float64, normEps float64, groups int) []float64 {
	dst := make([]float64, len(src))
	L2NormInto(dst, src, normEps, groups)
	return dst
}

// l2normBackwardInto writes to dst the gradient of the normalization
// with respect to its input x, given the gradient grad with respect to
// its output. The band target is treated as a constant, so the same
// projection applies for normEps > 0 with a target/norm factor.
func l2normBackwardInto(dst, x, grad []float64, normEps float64, groups int) {
	if groups < 1 {
		groups = 1
	}
	chunk := len(x) / groups
	for g := 0; g < groups; g++ {
		lo, hi := g*chunk, (g+1)*chunk
		normChunkBackward(dst[lo:hi], x[lo:hi], grad[lo:hi], normEps)
	}
}

func normChunkBackward(dst, x, grad []float64, normEps float64) {
	norm := 0.0
	for _, v := range x {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm < normFloor {
		copy(dst, grad)
		return
	}

	target := 1.0
	if normEps > 0 {
		target = norm
		if target < 1-normEps {
			target = 1 - normEps
		} else if target > 1+normEps {
			target = 1 + normEps
		}
	}

	// d(x/|x|)/dx = (I - x̂ x̂ᵀ) / |x|, scaled by the constant target.
	dot := 0.0
	for i := range x {
		dot += x[i] * grad[i] / norm
	}
	factor := target / norm
	for i := range x {
		dst[i] = factor * (grad[i] - x[i]/norm*dot)
	}
}
