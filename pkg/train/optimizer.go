package train

import (
	"fmt"
	"math"

	"ngptd/pkg/tensor"
)

// Optimizer applies one update to params from their accumulated
// gradients at the given learning rate.
type Optimizer interface {
	Step(params []*tensor.Tensor, lr float64)
}

// postHooks runs registered callbacks after every optimizer step. The
// model's weight renormalization registers here when weights are kept
// on the sphere manually instead of being normalized on read.
type postHooks struct {
	fns []func()
}

// OnStep registers fn to run after each Step.
func (h *postHooks) OnStep(fn func()) {
	h.fns = append(h.fns, fn)
}

func (h *postHooks) runHooks() {
	for _, fn := range h.fns {
		fn()
	}
}

// SGD is stochastic gradient descent with optional momentum and
// decoupled weight decay.
type SGD struct {
	postHooks

	Momentum    float64
	WeightDecay float64

	vel [][]float64
}

func (o *SGD) Step(params []*tensor.Tensor, lr float64) {
	if o.Momentum != 0 && o.vel == nil {
		o.vel = stateLike(params)
	}
	for pi, p := range params {
		data, grad := p.Data(), p.Grad()
		if o.Momentum != 0 {
			vel := bindState(o.vel, pi, p)
			for j, g := range grad {
				vel[j] = o.Momentum*vel[j] + g
				data[j] -= lr * vel[j]
			}
		} else {
			for j, g := range grad {
				data[j] -= lr * g
			}
		}
		if o.WeightDecay != 0 {
			decay := lr * o.WeightDecay
			for j := range data {
				data[j] -= decay * data[j]
			}
		}
	}
	o.runHooks()
}

// Adam implements Adam with bias correction and decoupled weight
// decay.
type Adam struct {
	postHooks

	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m, v [][]float64
}

// NewAdam returns an Adam optimizer with the usual defaults.
func NewAdam() *Adam {
	return &Adam{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

func (o *Adam) Step(params []*tensor.Tensor, lr float64) {
	if o.m == nil {
		o.m = stateLike(params)
		o.v = stateLike(params)
	}
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for pi, p := range params {
		data, grad := p.Data(), p.Grad()
		m := bindState(o.m, pi, p)
		v := bindState(o.v, pi, p)
		for j, g := range grad {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			mhat := m[j] / c1
			vhat := v[j] / c2
			data[j] -= lr * mhat / (math.Sqrt(vhat) + o.Eps)
		}
		if o.WeightDecay != 0 {
			decay := lr * o.WeightDecay
			for j := range data {
				data[j] -= decay * data[j]
			}
		}
	}
	o.runHooks()
}

func stateLike(params []*tensor.Tensor) [][]float64 {
	state := make([][]float64, len(params))
	for i, p := range params {
		state[i] = make([]float64, p.Size())
	}
	return state
}

func bindState(state [][]float64, pi int, p *tensor.Tensor) []float64 {
	if pi >= len(state) || len(state[pi]) != p.Size() {
		panic(fmt.Sprintf("train: optimizer state does not match parameter %d", pi))
	}
	return state[pi]
}

// ClipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm, returning the norm before clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad() {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, p := range params {
			grad := p.Grad()
			for j := range grad {
				grad[j] *= scale
			}
		}
	}
	return norm
}
