package ngpt

import "ngptd/pkg/tensor"

// Scale is a learned per-dimension gain with decoupled init and
// storage magnitude. The parameter is stored at magnitude scale while
// the effective value starts at init, which shifts the parameter's
// relative learning rate without changing the initial forward pass.
type Scale struct {
	param *tensor.Tensor
	fwd   float64
}

// NewScale creates a Scale of the given width. scale must be non-zero.
func NewScale(dim int, init, scale float64) *Scale {
	p := tensor.New(dim)
	data := p.Data()
	for i := range data {
		data[i] = scale
	}
	return &Scale{param: p, fwd: init / scale}
}

// Values returns the effective gain vector.
func (s *Scale) Values() []float64 {
	data := s.param.Data()
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = v * s.fwd
	}
	return out
}

// Param returns the raw stored parameter.
func (s *Scale) Param() *tensor.Tensor { return s.param }

// AccumGrad folds a gradient with respect to the effective values into
// the raw parameter's gradient buffer.
func (s *Scale) AccumGrad(gradEffective []float64) {
	grad := s.param.Grad()
	for i, g := range gradEffective {
		grad[i] += g * s.fwd
	}
}
