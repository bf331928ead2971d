// Package ml provides the dense CPU tensor type the generation pipeline
// operates on. Values are held as float32; an array's DType records the
// precision its values are quantized to when loaded from or written to disk.
package ml

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

type Array struct {
	shape []int
	dtype DType
	data  []float32
}

// New returns a zero-filled float32 array. The backing buffer comes from the
// package cache when one of the right size is available.
func New(shape ...int) *Array {
	return &Array{
		shape: append([]int{}, shape...),
		dtype: DTypeF32,
		data:  getBuffer(numel(shape)),
	}
}

// NewFrom wraps data in an array without copying. The caller gives up
// ownership of the slice.
func NewFrom(data []float32, shape ...int) *Array {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("ml: backing length %d does not match shape %v", len(data), shape))
	}
	return &Array{shape: append([]int{}, shape...), dtype: DTypeF32, data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (a *Array) Shape() []int { return a.shape }

func (a *Array) Dim(i int) int { return a.shape[i] }

func (a *Array) Numel() int { return len(a.data) }

func (a *Array) DType() DType { return a.dtype }

// Data returns the backing slice. Mutating it mutates the array.
func (a *Array) Data() []float32 { return a.data }

func (a *Array) Clone() *Array {
	out := &Array{shape: slices.Clone(a.shape), dtype: a.dtype, data: getBuffer(len(a.data))}
	copy(out.data, a.data)
	return out
}

// Reshape changes the logical shape in place. The element count must match.
func (a *Array) Reshape(shape ...int) *Array {
	if numel(shape) != len(a.data) {
		panic(fmt.Sprintf("ml: cannot reshape %v to %v", a.shape, shape))
	}
	a.shape = append([]int{}, shape...)
	return a
}

// Release returns the backing buffer to the package cache. The array must not
// be used afterwards.
func (a *Array) Release() {
	if a == nil || a.data == nil {
		return
	}
	putBuffer(a.data)
	a.data = nil
}

// Add returns a+b elementwise. Shapes must match exactly.
func Add(a, b *Array) *Array {
	sameShape(a, b, "Add")
	out := New(a.shape...)
	for i, v := range a.data {
		out.data[i] = v + b.data[i]
	}
	return out
}

// AddInPlace accumulates b into a.
func (a *Array) AddInPlace(b *Array) {
	sameShape(a, b, "AddInPlace")
	for i, v := range b.data {
		a.data[i] += v
	}
}

// MulScalar returns a*s elementwise.
func MulScalar(a *Array, s float32) *Array {
	out := New(a.shape...)
	for i, v := range a.data {
		out.data[i] = v * s
	}
	return out
}

// ScaleInPlace multiplies every element by s.
func (a *Array) ScaleInPlace(s float32) {
	for i := range a.data {
		a.data[i] *= s
	}
}

// Lerp returns a*(1-t) + b*t elementwise.
func Lerp(a, b *Array, t float32) *Array {
	sameShape(a, b, "Lerp")
	out := New(a.shape...)
	for i, v := range a.data {
		out.data[i] = v*(1-t) + b.data[i]*t
	}
	return out
}

func sameShape(a, b *Array, op string) {
	if !slices.Equal(a.shape, b.shape) {
		panic(fmt.Sprintf("ml: %s shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}

// MatMul multiplies two matrices, (m,k)x(k,n) -> (m,n), in float32.
func MatMul(a, b *Array) (*Array, error) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D arrays, got %v x %v", a.shape, b.shape)
	}
	if a.shape[1] != b.shape[0] {
		return nil, fmt.Errorf("matmul dimension mismatch: %v x %v", a.shape, b.shape)
	}

	ta := tensor.New(tensor.WithShape(a.shape[0], a.shape[1]), tensor.WithBacking(a.data))
	tb := tensor.New(tensor.WithShape(b.shape[0], b.shape[1]), tensor.WithBacking(b.data))

	tc, err := tensor.MatMul(ta, tb)
	if err != nil {
		return nil, fmt.Errorf("matmul: %w", err)
	}

	rows, err := native.SelectF32(tc.(*tensor.Dense), 1)
	if err != nil {
		return nil, err
	}

	out := New(a.shape[0], b.shape[1])
	for i, row := range rows {
		copy(out.data[i*b.shape[1]:], row)
	}
	return out, nil
}

// Transpose returns the transpose of a 2D array.
func Transpose(a *Array) *Array {
	if len(a.shape) != 2 {
		panic(fmt.Sprintf("ml: Transpose requires 2D, got %v", a.shape))
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

// SoftmaxRows normalizes each row of a 2D array with a numerically stable
// softmax, in place.
func (a *Array) SoftmaxRows() {
	if len(a.shape) != 2 {
		panic(fmt.Sprintf("ml: SoftmaxRows requires 2D, got %v", a.shape))
	}
	n := a.shape[1]
	for r := 0; r < a.shape[0]; r++ {
		row := a.data[r*n : (r+1)*n]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		for i, v := range row {
			e := exp32(v - max)
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

// Normal fills a new array with draws from the standard normal distribution
// using r. Successive calls consume the stream in order, so noise for several
// latents drawn from one seeded source is reproducible.
func Normal(r *rand.Rand, shape ...int) *Array {
	out := New(shape...)
	for i := range out.data {
		out.data[i] = float32(r.NormFloat64())
	}
	return out
}
