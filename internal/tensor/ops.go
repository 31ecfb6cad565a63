package tensor

import (
	"math"
)

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SoftmaxAxis returns softmax(t) along axis as a new packed tensor.
func SoftmaxAxis(t *Tensor, axis int) (*Tensor, error) {
	rank := t.Rank()
	if rank == 0 {
		return nil, Invalidf("softmax of a scalar")
	}
	axis, err := normalizeAxis(axis, rank)
	if err != nil {
		return nil, err
	}
	last := rank - 1
	moved := t
	if axis != last {
		if moved, err = t.SwapAxes(axis, last); err != nil {
			return nil, err
		}
	}
	out := moved.Clone()
	n := out.Shape[last]
	if n > 0 {
		for start := 0; start < len(out.Data); start += n {
			Softmax(out.Data[start : start+n])
		}
	}
	if axis == last {
		return out, nil
	}
	back, err := out.SwapAxes(axis, last)
	if err != nil {
		return nil, err
	}
	return back.Clone(), nil
}

// AllFinite reports whether x holds no NaN or Inf, returning the first
// offending index otherwise.
func AllFinite(x []float32) (int, bool) {
	for i, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i, false
		}
	}
	return -1, true
}

// MaxRelDiff returns max|a-b| divided by max|b|, the error measure used to
// compare kernels. It is the plain max difference when b is all zero, and
// +Inf when the lengths differ or any difference is NaN.
func MaxRelDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var diff, ref float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		diff = max(diff, d)
		ref = max(ref, math.Abs(float64(b[i])))
	}
	if ref == 0 {
		return diff
	}
	return diff / ref
}
