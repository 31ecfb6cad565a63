package tensor

import (
	"fmt"
	"math/rand"
	"slices"
)

// Tensor is an n-dimensional strided view over a float32 buffer.
//
// Shape and Strides are measured in elements. A stride of zero repeats the
// same element along that axis, which is how broadcasting is expressed
// without copying. Views returned by Reshape, Transpose, SplitAxis,
// ExpandDims and BroadcastTo share Data with their source; callers treat
// tensors as immutable once built.
type Tensor struct {
	Shape   []int
	Strides []int
	Offset  int
	Data    []float32
	DType   DType
}

// New allocates a zeroed contiguous tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
	}
	return &Tensor{
		Shape:   slices.Clone(shape),
		Strides: contiguousStrides(shape),
		Data:    make([]float32, numel(shape)),
	}
}

// FromData wraps data (row-major) in a tensor of the given shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, Invalidf("negative dimension in shape %v", shape)
		}
	}
	if n := numel(shape); n != len(data) {
		return nil, Mismatchf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:   slices.Clone(shape),
		Strides: contiguousStrides(shape),
		Data:    data,
	}, nil
}

// Rand returns a tensor of standard normal samples from a seeded source.
func Rand(seed int64, shape ...int) *Tensor {
	t := New(shape...)
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NumElements returns the product of the dims in shape.
func NumElements(shape []int) int {
	return numel(shape)
}

func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, Mismatchf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

func (t *Tensor) Rank() int { return len(t.Shape) }

// Size returns the number of logical elements.
func (t *Tensor) Size() int { return numel(t.Shape) }

// Dim returns the size of axis; negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	a, err := normalizeAxis(axis, len(t.Shape))
	if err != nil {
		panic(err)
	}
	return t.Shape[a]
}

// IsContiguous reports whether the logical elements are laid out row-major
// and densely from Offset.
func (t *Tensor) IsContiguous() bool {
	expected := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		if t.Shape[i] == 1 {
			continue
		}
		if t.Strides[i] != expected {
			return false
		}
		expected *= t.Shape[i]
	}
	return true
}

func (t *Tensor) offsetOf(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(idx), len(t.Shape)))
	}
	off := t.Offset
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic("tensor index out of range")
		}
		off += v * t.Strides[i]
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offsetOf(idx)]
}

// Set writes v at idx. Writing through a broadcast view updates every
// position that aliases the element.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.offsetOf(idx)] = v
}

// Values returns the elements in logical row-major order as a new slice.
func (t *Tensor) Values() []float32 {
	n := t.Size()
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	if t.IsContiguous() {
		copy(out, t.Data[t.Offset:t.Offset+n])
		return out
	}
	idx := make([]int, len(t.Shape))
	off := t.Offset
	for i := range n {
		out[i] = t.Data[off]
		// odometer increment
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			off += t.Strides[ax]
			if idx[ax] < t.Shape[ax] {
				break
			}
			off -= idx[ax] * t.Strides[ax]
			idx[ax] = 0
		}
	}
	return out
}

// Contiguous returns t when it already owns a dense row-major buffer and a
// packed copy otherwise.
func (t *Tensor) Contiguous() *Tensor {
	if t.Offset == 0 && len(t.Data) == t.Size() && t.IsContiguous() {
		return t
	}
	return t.Clone()
}

// Clone returns a packed copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:   slices.Clone(t.Shape),
		Strides: contiguousStrides(t.Shape),
		Data:    t.Values(),
		DType:   t.DType,
	}
}

// AsType returns a packed copy with every value rounded to d.
func (t *Tensor) AsType(d DType) *Tensor {
	out := t.Clone()
	out.DType = d
	if d == Float32 {
		return out
	}
	for i, v := range out.Data {
		out.Data[i] = d.Round(v)
	}
	return out
}

// Reshape returns a view with the given shape; one dim may be -1 and is
// inferred. Non-contiguous sources are packed first so element order is
// always the logical row-major order.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	resolved := slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range resolved {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, Mismatchf("reshape %v: more than one inferred dim", shape)
			}
			infer = i
		case d < 0:
			return nil, Invalidf("reshape %v: negative dim", shape)
		default:
			known *= d
		}
	}
	n := t.Size()
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, Mismatchf("cannot reshape %v into %v", t.Shape, shape)
		}
		resolved[infer] = n / known
	}
	if numel(resolved) != n {
		return nil, Mismatchf("cannot reshape %v into %v", t.Shape, shape)
	}
	src := t
	if !t.IsContiguous() {
		src = t.Clone()
	}
	return &Tensor{
		Shape:   resolved,
		Strides: contiguousStrides(resolved),
		Offset:  src.Offset,
		Data:    src.Data,
		DType:   t.DType,
	}, nil
}

// Transpose permutes the axes. perm must name every axis exactly once.
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	rank := len(t.Shape)
	if len(perm) != rank {
		return nil, Mismatchf("transpose: permutation %v does not match rank %d", perm, rank)
	}
	seen := make([]bool, rank)
	shape := make([]int, rank)
	strides := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, Mismatchf("transpose: invalid permutation %v", perm)
		}
		seen[p] = true
		shape[i] = t.Shape[p]
		strides[i] = t.Strides[p]
	}
	return &Tensor{Shape: shape, Strides: strides, Offset: t.Offset, Data: t.Data, DType: t.DType}, nil
}

// SwapAxes exchanges two axes.
func (t *Tensor) SwapAxes(a, b int) (*Tensor, error) {
	rank := len(t.Shape)
	a, err := normalizeAxis(a, rank)
	if err != nil {
		return nil, err
	}
	b, err = normalizeAxis(b, rank)
	if err != nil {
		return nil, err
	}
	perm := make([]int, rank)
	for i := range perm {
		perm[i] = i
	}
	perm[a], perm[b] = perm[b], perm[a]
	return t.Transpose(perm...)
}

// SplitAxis views axis as two axes [outer, inner]. It never copies, even for
// transposed or broadcast sources.
func (t *Tensor) SplitAxis(axis, outer, inner int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, err
	}
	if outer*inner != t.Shape[axis] {
		return nil, Mismatchf("split axis %d of %v into %d x %d", axis, t.Shape, outer, inner)
	}
	s := t.Strides[axis]
	shape := slices.Concat(t.Shape[:axis], []int{outer, inner}, t.Shape[axis+1:])
	strides := slices.Concat(t.Strides[:axis], []int{s * inner, s}, t.Strides[axis+1:])
	return &Tensor{Shape: shape, Strides: strides, Offset: t.Offset, Data: t.Data, DType: t.DType}, nil
}

// ExpandDims inserts a size-1 axis at position axis (0..rank).
func (t *Tensor) ExpandDims(axis int) (*Tensor, error) {
	rank := len(t.Shape)
	if axis < 0 {
		axis += rank + 1
	}
	if axis < 0 || axis > rank {
		return nil, Mismatchf("expand dims: axis %d out of range for rank %d", axis, rank)
	}
	shape := slices.Insert(slices.Clone(t.Shape), axis, 1)
	strides := slices.Insert(slices.Clone(t.Strides), axis, 0)
	return &Tensor{Shape: shape, Strides: strides, Offset: t.Offset, Data: t.Data, DType: t.DType}, nil
}

// BroadcastTo returns a stride-0 view of t with the target shape, following
// the usual trailing-aligned broadcasting rules.
func (t *Tensor) BroadcastTo(shape ...int) (*Tensor, error) {
	rank := len(shape)
	if rank < len(t.Shape) {
		return nil, Mismatchf("cannot broadcast %v to %v", t.Shape, shape)
	}
	pad := rank - len(t.Shape)
	strides := make([]int, rank)
	for i := range rank {
		if i < pad {
			continue
		}
		src := t.Shape[i-pad]
		switch src {
		case shape[i]:
			strides[i] = t.Strides[i-pad]
		case 1:
			strides[i] = 0
		default:
			return nil, Mismatchf("cannot broadcast %v to %v", t.Shape, shape)
		}
	}
	return &Tensor{Shape: slices.Clone(shape), Strides: strides, Offset: t.Offset, Data: t.Data, DType: t.DType}, nil
}

// BroadcastShapes returns the shape every input broadcasts to.
func BroadcastShapes(shapes ...[]int) ([]int, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, len(s))
	}
	out := make([]int, rank)
	for i := range out {
		out[i] = 1
	}
	for _, s := range shapes {
		pad := rank - len(s)
		for i, d := range s {
			o := out[pad+i]
			switch {
			case d == o || d == 1:
			case o == 1:
				out[pad+i] = d
			default:
				return nil, Mismatchf("shapes %v are not broadcast compatible", shapes)
			}
		}
	}
	return out, nil
}

// Unravel writes the row-major multi-index of flat within shape into dst.
func Unravel(flat int, shape []int, dst []int) {
	for i := len(shape) - 1; i >= 0; i-- {
		d := shape[i]
		dst[i] = flat % d
		flat /= d
	}
}

// Plane is a strided 2-D window over the trailing two axes of a tensor.
type Plane struct {
	Data                 []float32
	Offset               int
	Rows, Cols           int
	RowStride, ColStride int
}

// Plane selects the matrix at the given leading index.
func (t *Tensor) Plane(lead []int) Plane {
	rank := len(t.Shape)
	if rank < 2 || len(lead) != rank-2 {
		panic("plane index does not match tensor rank")
	}
	off := t.Offset
	for i, v := range lead {
		off += v * t.Strides[i]
	}
	return Plane{
		Data:      t.Data,
		Offset:    off,
		Rows:      t.Shape[rank-2],
		Cols:      t.Shape[rank-1],
		RowStride: t.Strides[rank-2],
		ColStride: t.Strides[rank-1],
	}
}

func (p Plane) At(i, j int) float32 {
	return p.Data[p.Offset+i*p.RowStride+j*p.ColStride]
}

// Row returns row i. Dense rows alias the underlying buffer; strided rows
// are copied into buf, which must hold at least Cols elements.
func (p Plane) Row(i int, buf []float32) []float32 {
	start := p.Offset + i*p.RowStride
	if p.ColStride == 1 {
		return p.Data[start : start+p.Cols]
	}
	row := buf[:p.Cols]
	for j := range row {
		row[j] = p.Data[start+j*p.ColStride]
	}
	return row
}

// PackRows packs rows [r0, r1) row-major into dst and returns them as a Mat.
func (p Plane) PackRows(r0, r1 int, dst []float32) Mat {
	n := (r1 - r0) * p.Cols
	out := dst[:n]
	for i := r0; i < r1; i++ {
		row := out[(i-r0)*p.Cols : (i-r0+1)*p.Cols]
		copy(row, p.Row(i, row))
	}
	return NewMatFromData(r1-r0, p.Cols, out)
}

// PackT packs rows [r0, r1) transposed into dst and returns them as a
// [Cols, r1-r0] Mat.
func (p Plane) PackT(r0, r1 int, dst []float32) Mat {
	n := r1 - r0
	out := dst[:n*p.Cols]
	for i := r0; i < r1; i++ {
		base := p.Offset + i*p.RowStride
		for j := 0; j < p.Cols; j++ {
			out[j*n+(i-r0)] = p.Data[base+j*p.ColStride]
		}
	}
	return NewMatFromData(p.Cols, n, out)
}
