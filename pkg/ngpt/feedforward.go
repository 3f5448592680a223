package ngpt

import (
	"math"
	"math/rand"

	"ngptd/pkg/tensor"
)

// FeedForward is the gated feedforward block. Hidden and gate
// projections carry learned scales; the gate additionally recovers a
// sqrt(dim) factor before the SiLU since unit-norm inputs shrink
// activations by that amount.
type FeedForward struct {
	toHidden *NormLinear
	toGate   *NormLinear
	toOut    *NormLinear

	hiddenScale *Scale
	gateScale   *Scale

	dimSqrt  float64
	dimInner int
}

func newFeedForward(rng *rand.Rand, dim int, expand float64, parametrized bool, sHiddenInit, sHiddenScale, sGateInit, sGateScale, normEps float64, groups int) *FeedForward {
	dimInner := int(float64(dim) * expand * 2 / 3)
	return &FeedForward{
		toHidden:    NewNormLinear(rng, dim, dimInner, true, parametrized, normEps, groups),
		toGate:      NewNormLinear(rng, dim, dimInner, true, parametrized, normEps, groups),
		toOut:       NewNormLinear(rng, dimInner, dim, false, parametrized, normEps, groups),
		hiddenScale: NewScale(dimInner, sHiddenInit, sHiddenScale),
		gateScale:   NewScale(dimInner, sGateInit, sGateScale),
		dimSqrt:     math.Sqrt(float64(dim)),
		dimInner:    dimInner,
	}
}

// DimInner returns the widened inner dimension, int(dim * expand * 2/3).
func (f *FeedForward) DimInner() int { return f.dimInner }

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func silu(z float64) float64 { return z * sigmoid(z) }

func siluPrime(z float64) float64 {
	s := sigmoid(z)
	return s * (1 + z*(1-s))
}

// ffState captures feedforward intermediates for the backward pass.
type ffState struct {
	x       *tensor.Tensor
	hidPre  *tensor.Tensor
	gatePre *tensor.Tensor
	hid     *tensor.Tensor
	gate    *tensor.Tensor
	act     *tensor.Tensor
}

// Forward applies the block to x of shape (n, dim). st may be nil.
func (f *FeedForward) Forward(x *tensor.Tensor, st *ffState) *tensor.Tensor {
	n := x.Dim(0)
	hidPre := f.toHidden.Forward(x)
	gatePre := f.toGate.Forward(x)
	hs := f.hiddenScale.Values()
	gs := f.gateScale.Values()

	hid := tensor.New(n, f.dimInner)
	gate := tensor.New(n, f.dimInner)
	act := tensor.New(n, f.dimInner)
	for i := 0; i < n; i++ {
		hp := hidPre.Row(i)
		gp := gatePre.Row(i)
		h := hid.Row(i)
		g := gate.Row(i)
		a := act.Row(i)
		for j := 0; j < f.dimInner; j++ {
			h[j] = hp[j] * hs[j]
			g[j] = gp[j] * gs[j] * f.dimSqrt
			a[j] = silu(g[j]) * h[j]
		}
	}
	out := f.toOut.Forward(act)

	if st != nil {
		st.x = x
		st.hidPre = hidPre
		st.gatePre = gatePre
		st.hid = hid
		st.gate = gate
		st.act = act
	}
	return out
}

// ForwardVec applies the block to a single position vector.
func (f *FeedForward) ForwardVec(x []float64) []float64 {
	hp := f.toHidden.ForwardVec(x)
	gp := f.toGate.ForwardVec(x)
	hs := f.hiddenScale.Values()
	gs := f.gateScale.Values()
	act := make([]float64, f.dimInner)
	for j := 0; j < f.dimInner; j++ {
		act[j] = silu(gp[j]*gs[j]*f.dimSqrt) * hp[j] * hs[j]
	}
	return f.toOut.ForwardVec(act)
}

// Backward accumulates parameter gradients and returns the gradient
// with respect to the block input.
func (f *FeedForward) Backward(st *ffState, gradOut *tensor.Tensor) *tensor.Tensor {
	n := st.x.Dim(0)
	hs := f.hiddenScale.Values()
	gs := f.gateScale.Values()

	dAct := f.toOut.Backward(st.act, gradOut)

	dHidPre := tensor.New(n, f.dimInner)
	dGatePre := tensor.New(n, f.dimInner)
	dHS := make([]float64, f.dimInner)
	dGS := make([]float64, f.dimInner)
	for i := 0; i < n; i++ {
		da := dAct.Row(i)
		hp := st.hidPre.Row(i)
		gp := st.gatePre.Row(i)
		h := st.hid.Row(i)
		g := st.gate.Row(i)
		dhp := dHidPre.Row(i)
		dgp := dGatePre.Row(i)
		for j := 0; j < f.dimInner; j++ {
			dHid := da[j] * silu(g[j])
			dGate := da[j] * h[j] * siluPrime(g[j])
			dHS[j] += dHid * hp[j]
			dGS[j] += dGate * gp[j] * f.dimSqrt
			dhp[j] = dHid * hs[j]
			dgp[j] = dGate * gs[j] * f.dimSqrt
		}
	}
	f.hiddenScale.AccumGrad(dHS)
	f.gateScale.AccumGrad(dGS)

	gradX := f.toHidden.Backward(st.x, dHidPre)
	gradXGate := f.toGate.Backward(st.x, dGatePre)
	gd := gradX.Data()
	for i, v := range gradXGate.Data() {
		gd[i] += v
	}
	return gradX
}
