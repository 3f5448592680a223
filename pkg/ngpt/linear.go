package ngpt

import (
	"math/rand"

	"ngptd/pkg/tensor"
)

// NormLinear is a bias-free linear layer whose weight vectors live on
// the unit hypersphere along the model dimension. The weight is stored
// (in, out) and applied as y = x @ W.
//
// In parametrized mode the weight is normalized on every read and
// NormWeights folds the normalization into storage. In manual mode the
// raw weight is used directly and callers are expected to invoke
// NormWeights after each optimizer step.
type NormLinear struct {
	w            *tensor.Tensor
	in, out      int
	normDimIn    bool
	parametrized bool
	normEps      float64
	groups       int
	scale        float64
}

// NewNormLinear creates a NormLinear with random unit-norm weight
// vectors drawn from rng.
func NewNormLinear(rng *rand.Rand, in, out int, normDimIn, parametrized bool, normEps float64, groups int) *NormLinear {
	if groups < 1 {
		groups = 1
	}
	l := &NormLinear{
		w:            tensor.NewRand(rng, 0.02, in, out),
		in:           in,
		out:          out,
		normDimIn:    normDimIn,
		parametrized: parametrized,
		normEps:      normEps,
		groups:       groups,
		scale:        1.0 / float64(groups),
	}
	l.NormWeights()
	return l
}

// Weight returns the raw stored weight tensor.
func (l *NormLinear) Weight() *tensor.Tensor { return l.w }

// In returns the input width.
func (l *NormLinear) In() int { return l.in }

// Out returns the output width.
func (l *NormLinear) Out() int { return l.out }

// EffectiveWeight returns the weight as seen by the forward pass:
// normalized on the fly in parametrized mode, the raw tensor otherwise.
// The returned tensor must not be mutated.
func (l *NormLinear) EffectiveWeight() *tensor.Tensor {
	if !l.parametrized {
		return l.w
	}
	eff := tensor.New(l.in, l.out)
	l.normalizeInto(eff.Data(), l.w.Data())
	return eff
}

// NormWeights renormalizes the stored weight in place. Idempotent.
func (l *NormLinear) NormWeights() {
	l.normalizeInto(l.w.Data(), l.w.Data())
}

func (l *NormLinear) normalizeInto(dst, src []float64) {
	if !l.normDimIn {
		// Rows are contiguous vectors along the out axis.
		for i := 0; i < l.in; i++ {
			L2NormInto(dst[i*l.out:(i+1)*l.out], src[i*l.out:(i+1)*l.out], l.normEps, l.groups)
		}
		return
	}
	// Columns are strided vectors along the in axis.
	col := make([]float64, l.in)
	for j := 0; j < l.out; j++ {
		for i := 0; i < l.in; i++ {
			col[i] = src[i*l.out+j]
		}
		L2NormInto(col, col, l.normEps, l.groups)
		for i := 0; i < l.in; i++ {
			dst[i*l.out+j] = col[i]
		}
	}
}

// Forward applies the layer to x of shape (n, in), returning (n, out).
func (l *NormLinear) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.MatMul(x, l.EffectiveWeight())
	if l.scale != 1 {
		data := out.Data()
		for i := range data {
			data[i] *= l.scale
		}
	}
	return out
}

// ForwardVec applies the layer to a single input vector.
func (l *NormLinear) ForwardVec(x []float64) []float64 {
	w := l.EffectiveWeight().Data()
	out := make([]float64, l.out)
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := w[i*l.out : (i+1)*l.out]
		for j, wij := range row {
			out[j] += xi * wij
		}
	}
	if l.scale != 1 {
		for j := range out {
			out[j] *= l.scale
		}
	}
	return out
}

// Backward accumulates weight gradients for the pass y = x @ W_eff and
// returns the gradient with respect to x. In parametrized mode the
// gradient is pulled back through the weight normalization.
func (l *NormLinear) Backward(x, gradOut *tensor.Tensor) *tensor.Tensor {
	eff := l.EffectiveWeight()

	// dW_eff = xᵀ @ gradOut, dx = gradOut @ W_effᵀ, both times scale.
	dEff := tensor.MatMul(tensor.Transpose(x), gradOut)
	gradX := tensor.MatMul(gradOut, tensor.Transpose(eff))
	if l.scale != 1 {
		for i, v := range dEff.Data() {
			dEff.Data()[i] = v * l.scale
		}
		for i, v := range gradX.Data() {
			gradX.Data()[i] = v * l.scale
		}
	}

	l.accumWeightGrad(dEff.Data())
	return gradX
}

func (l *NormLinear) accumWeightGrad(dEff []float64) {
	grad := l.w.Grad()
	if !l.parametrized {
		for i, g := range dEff {
			grad[i] += g
		}
		return
	}
	raw := l.w.Data()
	if !l.normDimIn {
		scratch := make([]float64, l.out)
		for i := 0; i < l.in; i++ {
			lo, hi := i*l.out, (i+1)*l.out
			l2normBackwardInto(scratch, raw[lo:hi], dEff[lo:hi], l.normEps, l.groups)
			for j, g := range scratch {
				grad[lo+j] += g
			}
		}
		return
	}
	colW := make([]float64, l.in)
	colG := make([]float64, l.in)
	scratch := make([]float64, l.in)
	for j := 0; j < l.out; j++ {
		for i := 0; i < l.in; i++ {
			colW[i] = raw[i*l.out+j]
			colG[i] = dEff[i*l.out+j]
		}
		l2normBackwardInto(scratch, colW, colG, l.normEps, l.groups)
		for i := 0; i < l.in; i++ {
			grad[i*l.out+j] += scratch[i]
		}
	}
}
