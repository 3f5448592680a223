package ngpt

import (
	"fmt"
	"math"
)

// rotaryBase is the standard rotary position embedding frequency base.
const rotaryBase = 10000.0

// Rotary applies rotary position embeddings over head-dim pairs
// (2i, 2i+1) with θ_i = base^(-2i/d). It carries no learned
// parameters, so positions beyond any trained length remain valid.
type Rotary struct {
	dim     int
	invFreq []float64
}

// NewRotary creates rotary embeddings for head vectors of the given
// even dimension.
func NewRotary(dim int) *Rotary {
	if dim%2 != 0 {
		panic(fmt.Sprintf("ngpt: rotary dim must be even, got %d", dim))
	}
	invFreq := make([]float64, dim/2)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(rotaryBase, float64(2*i)/float64(dim))
	}
	return &Rotary{dim: dim, invFreq: invFreq}
}

// Rotate rotates v in place by the angles of the given position.
func (r *Rotary) Rotate(v []float64, pos int) {
	r.rotate(v, pos, 1)
}

// RotateBack applies the inverse rotation, used to pull gradients back
// through the embedding.
func (r *Rotary) RotateBack(v []float64, pos int) {
	r.rotate(v, pos, -1)
}

func (r *Rotary) rotate(v []float64, pos int, sign float64) {
	if len(v) != r.dim {
		panic(fmt.Sprintf("ngpt: rotary expected dim %d, got %d", r.dim, len(v)))
	}
	for i := 0; i < r.dim/2; i++ {
		angle := float64(pos) * r.invFreq[i]
		cos := math.Cos(angle)
		sin := math.Sin(angle) * sign
		x0, x1 := v[2*i], v[2*i+1]
		v[2*i] = x0*cos - x1*sin
		v[2*i+1] = x0*sin + x1*cos
	}
}
