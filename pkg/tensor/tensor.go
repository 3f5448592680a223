// Package tensor provides the dense float64 tensor type backing the
// model math. Data is stored flat in row-major order; matrix products
// are delegated to gonum. Shape errors panic: they are programmer
// bugs, not runtime conditions.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a multi-dimensional array of float64 values with an
// attached gradient buffer of the same size.
//
// Tensor is not safe for concurrent mutation.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewRand creates a tensor filled from a normal distribution with the
// given standard deviation, using the Box-Muller transform over rng.
func NewRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		mag := std * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}
	return t
}

// FromSlice creates a tensor that copies data into the given shape.
func FromSlice(data []float64, shape ...int) *Tensor {
	t := New(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: data length %d does not fit shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// Data returns the underlying flat data slice. Mutations are visible
// to the tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the underlying flat gradient slice.
func (t *Tensor) Grad() []float64 { return t.grad }

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int { return len(t.shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// Row returns the i-th row of a 2D tensor as a slice into the
// underlying data.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	n := t.shape[1]
	return t.data[i*n : (i+1)*n]
}

// GradRow returns the i-th gradient row of a 2D tensor.
func (t *Tensor) GradRow(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: GradRow requires 2D tensor")
	}
	n := t.shape[1]
	return t.grad[i*n : (i+1)*n]
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone returns a deep copy of the tensor, gradient included.
func (t *Tensor) Clone() *Tensor {
	clone := New(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a view with a different shape sharing the underlying
// data and gradient. The element count must be unchanged.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}
	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)
	return &Tensor{data: t.data, shape: shapeCopy, grad: t.grad}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.shape)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Sub returns a - b elementwise.
func Sub(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot subtract shapes %v and %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] - b.data[i]
	}
	return out
}

// Mul returns the Hadamard product a * b.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale returns a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul computes C = A @ B for A (M,K) and B (K,N). The flat buffers
// are wrapped as gonum matrices without copying.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: cannot multiply (%d,%d) by (%d,%d)", m, k, k2, n))
	}
	out := New(m, n)
	c := mat.NewDense(m, n, out.data)
	c.Mul(
		mat.NewDense(m, k, a.data),
		mat.NewDense(k2, n, b.data),
	)
	return out
}

// Transpose returns A^T for a 2D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := New(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// Softmax applies a numerically stable softmax along the last
// dimension of a 2D tensor.
func Softmax(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}
	rows, cols := a.shape[0], a.shape[1]
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		in := a.data[i*cols : (i+1)*cols]
		dst := out.data[i*cols : (i+1)*cols]
		SoftmaxInto(dst, in)
	}
	return out
}

// SoftmaxInto writes softmax(in) to dst. The slices may alias.
func SoftmaxInto(dst, in []float64) {
	maxVal := math.Inf(-1)
	for _, v := range in {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for i, v := range in {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// Dot returns the inner product of two equal-length slices.
func Dot(a, b []float64) float64 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("tensor: dot length mismatch %d vs %d", len(a), len(b)))
	}
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
