package tensor

import "slices"

// Linear computes x @ wᵀ over the trailing dimension of x, broadcasting over
// every leading dimension. w is laid out [out, in].
//
// A single row goes through MatVec; anything wider is one blocked GEMM
// against the packed transpose of w. workers bounds the pool fan-out as in
// GemmPar.
func Linear(x *Tensor, w *Mat, workers int) (*Tensor, error) {
	if x.Rank() == 0 {
		return nil, Mismatchf("linear: scalar input")
	}
	in := x.Dim(-1)
	if in != w.C {
		return nil, Mismatchf("linear: input width %d does not match weight %dx%d", in, w.R, w.C)
	}
	outShape := slices.Clone(x.Shape)
	outShape[len(outShape)-1] = w.R
	out := New(outShape...)
	rows := 0
	if in > 0 {
		rows = x.Size() / in
	} else {
		rows = numel(x.Shape[:x.Rank()-1])
	}
	if rows == 0 || w.R == 0 {
		return out, nil
	}

	src := x.Contiguous()
	xData := src.Data[src.Offset : src.Offset+rows*in]
	if rows == 1 {
		MatVec(out.Data, w, xData, workers)
		return out, nil
	}
	a := NewMatFromData(rows, in, xData)
	wt := w.T()
	c := NewMatFromData(rows, w.R, out.Data)
	GemmPar(&c, &a, &wt, 1, 0, workers)
	return out, nil
}
