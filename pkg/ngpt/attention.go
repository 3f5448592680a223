package ngpt

import (
	"math"
	"math/rand"

	"ngptd/pkg/tensor"
)

// Attention is multi-head attention over unit-norm hidden states.
// Queries and keys are rotated, optionally re-normalized per head, and
// queries carry a learned per-dimension scale. Because normalized
// vectors bound the raw dot products to [-1, 1], scores are scaled UP
// by sqrt(headDim) rather than divided by it.
type Attention struct {
	dim      int
	heads    int
	headDim  int
	dimInner int

	normQK  bool
	causal  bool
	normEps float64
	groups  int

	attnScale float64

	toQ   *NormLinear
	toK   *NormLinear
	toV   *NormLinear
	toOut *NormLinear

	qkScale *Scale
}

func newAttention(rng *rand.Rand, dim, headDim, heads int, normQK, causal, parametrized bool, sQKInit, sQKScale, normEps float64, groups int) *Attention {
	dimInner := headDim * heads
	return &Attention{
		dim:       dim,
		heads:     heads,
		headDim:   headDim,
		dimInner:  dimInner,
		normQK:    normQK,
		causal:    causal,
		normEps:   normEps,
		groups:    groups,
		attnScale: math.Sqrt(float64(headDim)),
		toQ:       NewNormLinear(rng, dim, dimInner, true, parametrized, normEps, groups),
		toK:       NewNormLinear(rng, dim, dimInner, true, parametrized, normEps, groups),
		toV:       NewNormLinear(rng, dim, dimInner, true, parametrized, normEps, groups),
		toOut:     NewNormLinear(rng, dimInner, dim, false, parametrized, normEps, groups),
		qkScale:   NewScale(dimInner, sQKInit, sQKScale),
	}
}

// head returns the h-th headDim chunk of a dimInner-wide row.
func (a *Attention) head(row []float64, h int) []float64 {
	return row[h*a.headDim : (h+1)*a.headDim]
}

// attnState captures attention intermediates for the backward pass.
type attnState struct {
	x       *tensor.Tensor
	qr, kr  *tensor.Tensor   // post-rotary, pre-norm
	qn, kn  *tensor.Tensor   // post-norm
	qs      *tensor.Tensor   // scaled queries
	vmix    *tensor.Tensor   // values after any residual mixing
	weights []*tensor.Tensor // per-head (n, n) softmax rows
	ctx     *tensor.Tensor
	sqk     []float64
}

// Forward runs full-sequence attention over x of shape (n, dim).
//
// mask, when non-nil, marks attendable key positions and requires a
// non-causal layer. valueResidual carries the first layer's values for
// mixing. The returned values tensor is what downstream layers should
// mix with. st may be nil; recording state requires mask == nil.
func (a *Attention) Forward(x *tensor.Tensor, rot *Rotary, mask []bool, valueResidual *tensor.Tensor, st *attnState) (out, values *tensor.Tensor) {
	n := x.Dim(0)

	q := a.toQ.Forward(x)
	k := a.toK.Forward(x)
	v := a.toV.Forward(x)

	if valueResidual != nil {
		vd, rd := v.Data(), valueResidual.Data()
		for i := range vd {
			vd[i] = 0.5 * (vd[i] + rd[i])
		}
	}

	for i := 0; i < n; i++ {
		for h := 0; h < a.heads; h++ {
			rot.Rotate(a.head(q.Row(i), h), i)
			rot.Rotate(a.head(k.Row(i), h), i)
		}
	}
	qr, kr := q, k

	qn, kn := qr, kr
	if a.normQK {
		qn = tensor.New(n, a.dimInner)
		kn = tensor.New(n, a.dimInner)
		for i := 0; i < n; i++ {
			for h := 0; h < a.heads; h++ {
				L2NormInto(a.head(qn.Row(i), h), a.head(qr.Row(i), h), a.normEps, a.groups)
				L2NormInto(a.head(kn.Row(i), h), a.head(kr.Row(i), h), a.normEps, a.groups)
			}
		}
	}

	sqk := a.qkScale.Values()
	qs := tensor.New(n, a.dimInner)
	for i := 0; i < n; i++ {
		qrw := qn.Row(i)
		qsw := qs.Row(i)
		for j := 0; j < a.dimInner; j++ {
			qsw[j] = qrw[j] * sqk[j]
		}
	}

	var weights []*tensor.Tensor
	if st != nil {
		weights = make([]*tensor.Tensor, a.heads)
		for h := range weights {
			weights[h] = tensor.New(n, n)
		}
	}

	ctx := tensor.New(n, a.dimInner)
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		allowed := a.allowedKeys(i, n, mask)
		if len(allowed) == 0 {
			continue
		}
		for h := 0; h < a.heads; h++ {
			qh := a.head(qs.Row(i), h)
			for si, j := range allowed {
				scores[si] = tensor.Dot(qh, a.head(kn.Row(j), h)) * a.attnScale
			}
			probs := scores[:len(allowed)]
			tensor.SoftmaxInto(probs, probs)

			ch := a.head(ctx.Row(i), h)
			for si, j := range allowed {
				w := probs[si]
				vh := a.head(v.Row(j), h)
				for d := 0; d < a.headDim; d++ {
					ch[d] += w * vh[d]
				}
				if weights != nil {
					weights[h].Set(w, i, j)
				}
			}
		}
	}

	out = a.toOut.Forward(ctx)

	if st != nil {
		st.x = x
		st.qr, st.kr = qr, kr
		st.qn, st.kn = qn, kn
		st.qs = qs
		st.vmix = v
		st.weights = weights
		st.ctx = ctx
		st.sqk = sqk
	}
	return out, v
}

// allowedKeys lists the key positions query position i may attend to.
func (a *Attention) allowedKeys(i, n int, mask []bool) []int {
	if a.causal {
		allowed := make([]int, i+1)
		for j := range allowed {
			allowed[j] = j
		}
		return allowed
	}
	allowed := make([]int, 0, n)
	for j := 0; j < n; j++ {
		if mask == nil || mask[j] {
			allowed = append(allowed, j)
		}
	}
	return allowed
}

// ForwardStep runs one cached decode step for the vector x at the
// given absolute position, appending this position's key and value to
// the cache. valueResidual is the first layer's value vector for the
// same position.
func (a *Attention) ForwardStep(x []float64, pos int, rot *Rotary, valueResidual []float64, cache *LayerCache) (out, values []float64) {
	q := a.toQ.ForwardVec(x)
	k := a.toK.ForwardVec(x)
	v := a.toV.ForwardVec(x)

	if valueResidual != nil {
		for i := range v {
			v[i] = 0.5 * (v[i] + valueResidual[i])
		}
	}

	for h := 0; h < a.heads; h++ {
		rot.Rotate(a.head(q, h), pos)
		rot.Rotate(a.head(k, h), pos)
		if a.normQK {
			L2NormInto(a.head(q, h), a.head(q, h), a.normEps, a.groups)
			L2NormInto(a.head(k, h), a.head(k, h), a.normEps, a.groups)
		}
	}

	sqk := a.qkScale.Values()
	for j := range q {
		q[j] *= sqk[j]
	}

	cache.append(k, v)

	steps := len(cache.k)
	ctx := make([]float64, a.dimInner)
	scores := make([]float64, steps)
	for h := 0; h < a.heads; h++ {
		qh := a.head(q, h)
		for j := 0; j < steps; j++ {
			scores[j] = tensor.Dot(qh, a.head(cache.k[j], h)) * a.attnScale
		}
		tensor.SoftmaxInto(scores, scores)
		ch := a.head(ctx, h)
		for j := 0; j < steps; j++ {
			w := scores[j]
			vh := a.head(cache.v[j], h)
			for d := 0; d < a.headDim; d++ {
				ch[d] += w * vh[d]
			}
		}
	}

	return a.toOut.ForwardVec(ctx), v
}

// Backward accumulates parameter gradients for an unmasked forward
// pass and returns the gradient with respect to x. extraValueGrad,
// when non-nil, is added to the value gradient before the projection
// backward; it carries the residual-mix gradients routed back to the
// first layer. When the layer mixed a value residual, the second
// return is the 0.5-scaled gradient owed to that residual source.
func (a *Attention) Backward(st *attnState, rot *Rotary, gradOut *tensor.Tensor, mixed bool, extraValueGrad *tensor.Tensor) (gradX, dValueResidual *tensor.Tensor) {
	n := st.x.Dim(0)

	dCtx := a.toOut.Backward(st.ctx, gradOut)

	dQS := tensor.New(n, a.dimInner)
	dKN := tensor.New(n, a.dimInner)
	dVmix := tensor.New(n, a.dimInner)

	dw := make([]float64, n)
	for h := 0; h < a.heads; h++ {
		wh := st.weights[h]
		for i := 0; i < n; i++ {
			hi := i + 1
			if !a.causal {
				hi = n
			}
			dc := a.head(dCtx.Row(i), h)
			wrow := wh.Row(i)

			// dL/dw_ij and the value gradients.
			sum := 0.0
			for j := 0; j < hi; j++ {
				vh := a.head(st.vmix.Row(j), h)
				dvh := a.head(dVmix.Row(j), h)
				d := 0.0
				for t := 0; t < a.headDim; t++ {
					d += dc[t] * vh[t]
					dvh[t] += wrow[j] * dc[t]
				}
				dw[j] = d
				sum += wrow[j] * d
			}

			// Softmax backward, then to scaled queries and keys.
			dqh := a.head(dQS.Row(i), h)
			for j := 0; j < hi; j++ {
				ds := wrow[j] * (dw[j] - sum) * a.attnScale
				if ds == 0 {
					continue
				}
				kh := a.head(st.kn.Row(j), h)
				dkh := a.head(dKN.Row(j), h)
				qh := a.head(st.qs.Row(i), h)
				for t := 0; t < a.headDim; t++ {
					dqh[t] += ds * kh[t]
					dkh[t] += ds * qh[t]
				}
			}
		}
	}

	// Query scale backward, then undo the scaling toward the norm.
	dSQK := make([]float64, a.dimInner)
	dQN := tensor.New(n, a.dimInner)
	for i := 0; i < n; i++ {
		dqs := dQS.Row(i)
		qn := st.qn.Row(i)
		dqn := dQN.Row(i)
		for j := 0; j < a.dimInner; j++ {
			dSQK[j] += dqs[j] * qn[j]
			dqn[j] = dqs[j] * st.sqk[j]
		}
	}
	a.qkScale.AccumGrad(dSQK)

	dQR := dQN
	dKR := dKN
	if a.normQK {
		dQR = tensor.New(n, a.dimInner)
		dKR = tensor.New(n, a.dimInner)
		for i := 0; i < n; i++ {
			for h := 0; h < a.heads; h++ {
				l2normBackwardInto(a.head(dQR.Row(i), h), a.head(st.qr.Row(i), h), a.head(dQN.Row(i), h), a.normEps, a.groups)
				l2normBackwardInto(a.head(dKR.Row(i), h), a.head(st.kr.Row(i), h), a.head(dKN.Row(i), h), a.normEps, a.groups)
			}
		}
	}

	for i := 0; i < n; i++ {
		for h := 0; h < a.heads; h++ {
			rot.RotateBack(a.head(dQR.Row(i), h), i)
			rot.RotateBack(a.head(dKR.Row(i), h), i)
		}
	}

	if extraValueGrad != nil {
		vd := dVmix.Data()
		for i, g := range extraValueGrad.Data() {
			vd[i] += g
		}
	}
	dVP := dVmix
	if mixed {
		dVP = tensor.New(n, a.dimInner)
		dvp := dVP.Data()
		for i, g := range dVmix.Data() {
			dvp[i] = 0.5 * g
		}
		dValueResidual = dVP
	}

	gradX = a.toQ.Backward(st.x, dQR)
	for i, g := range a.toK.Backward(st.x, dKR).Data() {
		gradX.Data()[i] += g
	}
	for i, g := range a.toV.Backward(st.x, dVP).Data() {
		gradX.Data()[i] += g
	}
	return gradX, dValueResidual
}
