package tensor

import (
	"math"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Projection weights are Mats laid out [out, in], so a linear layer computes
// x @ Wᵀ one output row per weight row.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Tensor returns a [R, C] view sharing the matrix buffer.
func (m *Mat) Tensor() *Tensor {
	return &Tensor{
		Shape:   []int{m.R, m.C},
		Strides: []int{m.Stride, 1},
		Data:    m.Data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// T returns a packed transpose.
func (m *Mat) T() Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// FillXavier fills m with uniform values scaled by fan-in and fan-out, which
// keeps projected activations near unit variance.
func FillXavier(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	limit := float32(0)
	if m.R+m.C > 0 {
		limit = float32(math.Sqrt(6.0 / float64(m.R+m.C)))
	}
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * limit
	}
}
