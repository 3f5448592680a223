package ngpt

import "ngptd/pkg/tensor"

// residualState captures the intermediates of one residual update for
// the backward pass.
type residualState struct {
	x       *tensor.Tensor
	branch  *tensor.Tensor
	branchN *tensor.Tensor
	mix     *tensor.Tensor
	alpha   []float64
}

// residualForward performs the hypersphere residual update
//
//	out = l2norm(lerp(x, l2norm(branch), alpha))
//
// where alpha is the effective interpolation vector of the given
// Scale. The residual stream is kept exactly on the sphere; the
// tolerance band applies to weights and qk activations only.
// st may be nil when no backward pass will follow.
func residualForward(x, branch *tensor.Tensor, alpha *Scale, st *residualState) *tensor.Tensor {
	n, dim := x.Dim(0), x.Dim(1)
	a := alpha.Values()

	branchN := tensor.New(n, dim)
	mix := tensor.New(n, dim)
	out := tensor.New(n, dim)
	for i := 0; i < n; i++ {
		xr := x.Row(i)
		bn := branchN.Row(i)
		mx := mix.Row(i)
		L2NormInto(bn, branch.Row(i), 0, 1)
		for j := 0; j < dim; j++ {
			mx[j] = xr[j] + (bn[j]-xr[j])*a[j]
		}
		L2NormInto(out.Row(i), mx, 0, 1)
	}

	if st != nil {
		st.x = x
		st.branch = branch
		st.branchN = branchN
		st.mix = mix
		st.alpha = a
	}
	return out
}

// residualForwardVec is the single-position variant used by cached
// decoding.
func residualForwardVec(x, branch []float64, alpha *Scale) []float64 {
	a := alpha.Values()
	bn := make([]float64, len(branch))
	L2NormInto(bn, branch, 0, 1)
	out := make([]float64, len(x))
	for j := range x {
		out[j] = x[j] + (bn[j]-x[j])*a[j]
	}
	L2NormInto(out, out, 0, 1)
	return out
}

// residualBackward returns the gradients with respect to x and the raw
// branch output, accumulating the interpolation gradient into alpha.
func residualBackward(st *residualState, alpha *Scale, gradOut *tensor.Tensor) (gradX, gradBranch *tensor.Tensor) {
	n, dim := st.x.Dim(0), st.x.Dim(1)
	a := st.alpha

	gradX = tensor.New(n, dim)
	gradBranch = tensor.New(n, dim)
	dAlpha := make([]float64, dim)
	dMix := make([]float64, dim)
	dBn := make([]float64, dim)
	for i := 0; i < n; i++ {
		xr := st.x.Row(i)
		bn := st.branchN.Row(i)
		normChunkBackward(dMix, st.mix.Row(i), gradOut.Row(i), 0)
		for j := 0; j < dim; j++ {
			dAlpha[j] += dMix[j] * (bn[j] - xr[j])
			gradX.Row(i)[j] = dMix[j] * (1 - a[j])
			dBn[j] = dMix[j] * a[j]
		}
		normChunkBackward(gradBranch.Row(i), st.branch.Row(i), dBn, 0)
	}
	alpha.AccumGrad(dAlpha)
	return gradX, gradBranch
}
