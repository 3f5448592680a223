package ngpt

import (
	"math"
	"math/rand"
	"testing"

	"ngptd/pkg/tensor"
)

func colNorm(w *tensor.Tensor, j int) float64 {
	in, out := w.Dim(0), w.Dim(1)
	_ = out
	sum := 0.0
	for i := 0; i < in; i++ {
		v := w.At(i, j)
		sum += v * v
	}
	return math.Sqrt(sum)
}

func TestNormLinearInitUnitColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewNormLinear(rng, 16, 8, true, true, 0, 1)
	for j := 0; j < 8; j++ {
		if got := colNorm(l.Weight(), j); math.Abs(got-1) > 1e-9 {
			t.Fatalf("column %d norm = %v, want 1", j, got)
		}
	}
}

func TestNormLinearInitUnitRowsWhenNormDimOut(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewNormLinear(rng, 8, 16, false, true, 0, 1)
	for i := 0; i < 8; i++ {
		if got := tensor.Norm(l.Weight().Row(i)); math.Abs(got-1) > 1e-9 {
			t.Fatalf("row %d norm = %v, want 1", i, got)
		}
	}
}

func TestNormLinearParametrizedReadsNormalized(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l := NewNormLinear(rng, 6, 4, true, true, 0, 1)

	// Denormalize storage behind the layer's back.
	for i, v := range l.Weight().Data() {
		l.Weight().Data()[i] = v * 3
	}

	eff := l.EffectiveWeight()
	for j := 0; j < 4; j++ {
		if got := colNorm(eff, j); math.Abs(got-1) > 1e-9 {
			t.Fatalf("effective column %d norm = %v, want 1", j, got)
		}
	}
	// Raw storage stays scaled until NormWeights folds it back.
	if got := colNorm(l.Weight(), 0); math.Abs(got-3) > 1e-9 {
		t.Fatalf("raw column norm = %v, want 3", got)
	}
	l.NormWeights()
	if got := colNorm(l.Weight(), 0); math.Abs(got-1) > 1e-9 {
		t.Fatalf("folded column norm = %v, want 1", got)
	}
}

func TestNormLinearManualReadsRaw(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	l := NewNormLinear(rng, 6, 4, true, false, 0, 1)
	for i, v := range l.Weight().Data() {
		l.Weight().Data()[i] = v * 2
	}
	if got := colNorm(l.EffectiveWeight(), 0); math.Abs(got-2) > 1e-9 {
		t.Fatalf("manual mode should not renormalize on read, norm = %v", got)
	}
	l.NormWeights()
	if got := colNorm(l.EffectiveWeight(), 0); math.Abs(got-1) > 1e-9 {
		t.Fatalf("NormWeights should renormalize storage, norm = %v", got)
	}
}

func TestNormWeightsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	l := NewNormLinear(rng, 10, 5, true, true, 0.05, 2)
	l.NormWeights()
	before := append([]float64(nil), l.Weight().Data()...)
	l.NormWeights()
	for i, v := range l.Weight().Data() {
		if v != before[i] {
			t.Fatalf("second NormWeights changed weight[%d]", i)
		}
	}
}

func TestNormLinearGroupScale(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	l := NewNormLinear(rng, 4, 2, true, true, 0, 2)

	// Hand-build a weight whose group chunks are already unit norm, so
	// the forward pass reduces to the 1/groups output factor.
	w := l.Weight()
	for i := range w.Data() {
		w.Data()[i] = 0
	}
	w.Set(1, 0, 0) // column 0, group 0
	w.Set(1, 3, 0) // column 0, group 1
	w.Set(1, 1, 1) // column 1, group 0
	w.Set(1, 2, 1) // column 1, group 1

	x := tensor.FromSlice([]float64{1, 0, 0, 0}, 1, 4)
	y := l.Forward(x)
	if got := y.At(0, 0); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("y[0] = %v, want 0.5 (1/groups factor)", got)
	}
	if got := y.At(0, 1); math.Abs(got) > 1e-12 {
		t.Fatalf("y[1] = %v, want 0", got)
	}
}

func TestNormLinearForwardVecMatchesForward(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	l := NewNormLinear(rng, 12, 7, true, true, 0, 1)
	x := make([]float64, 12)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	want := l.Forward(tensor.FromSlice(x, 1, 12))
	got := l.ForwardVec(x)
	for j := range got {
		if math.Abs(got[j]-want.At(0, j)) > 1e-12 {
			t.Fatalf("ForwardVec[%d] = %v, Forward = %v", j, got[j], want.At(0, j))
		}
	}
}

func TestScaleEffectiveValues(t *testing.T) {
	s := NewScale(4, 0.5, 0.25)
	vals := s.Values()
	for i, v := range vals {
		if math.Abs(v-0.5) > 1e-12 {
			t.Fatalf("effective[%d] = %v, want init 0.5", i, v)
		}
	}
	// Storage carries the scale magnitude, not the init.
	for i, v := range s.Param().Data() {
		if math.Abs(v-0.25) > 1e-12 {
			t.Fatalf("param[%d] = %v, want 0.25", i, v)
		}
	}

	// Doubling the stored parameter doubles the effective value.
	s.Param().Data()[0] = 0.5
	if got := s.Values()[0]; math.Abs(got-1) > 1e-12 {
		t.Fatalf("effective after param change = %v, want 1", got)
	}
}

func TestScaleAccumGrad(t *testing.T) {
	s := NewScale(2, 2, 0.5)
	s.AccumGrad([]float64{1, 3})
	// d effective / d param = init/scale = 4.
	if g := s.Param().Grad()[0]; math.Abs(g-4) > 1e-12 {
		t.Fatalf("grad[0] = %v, want 4", g)
	}
	if g := s.Param().Grad()[1]; math.Abs(g-12) > 1e-12 {
		t.Fatalf("grad[1] = %v, want 12", g)
	}
}
