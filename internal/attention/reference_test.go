package attention

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/attnkit/internal/tensor"
)

// planeDense copies a tensor plane into a float64 gonum matrix.
func planeDense(p tensor.Plane) *mat.Dense {
	d := mat.NewDense(p.Rows, p.Cols, nil)
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			d.Set(i, j, float64(p.At(i, j)))
		}
	}
	return d
}

func softmaxRows64(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		maxv := math.Inf(-1)
		for _, x := range row[:c] {
			maxv = math.Max(maxv, x)
		}
		var sum float64
		for j := range row[:c] {
			row[j] = math.Exp(row[j] - maxv)
			sum += row[j]
		}
		for j := range row[:c] {
			row[j] /= sum
		}
	}
}

// referenceSDPA is an independent float64 attention over q, k, v that share
// one lead shape. mask may be nil or anything broadcastable to the scores.
func referenceSDPA(t *testing.T, q, k, v, mask *tensor.Tensor, scale float64) *tensor.Tensor {
	t.Helper()
	rank := q.Rank()
	lead := q.Shape[:rank-2]
	l, s, dv := q.Dim(-2), k.Dim(-2), v.Dim(-1)
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(q.Dim(-1)))
	}
	var mb *tensor.Tensor
	if mask != nil {
		var err error
		mb, err = mask.BroadcastTo(slices.Concat(lead, []int{l, s})...)
		require.NoError(t, err)
	}

	out := tensor.New(slices.Concat(lead, []int{l, dv})...)
	idx := make([]int, len(lead))
	for h := 0; h < tensor.NumElements(lead); h++ {
		tensor.Unravel(h, lead, idx)
		qd := planeDense(q.Plane(idx))
		kd := planeDense(k.Plane(idx))
		vd := planeDense(v.Plane(idx))

		var scores mat.Dense
		scores.Mul(qd, kd.T())
		scores.Scale(scale, &scores)
		if mb != nil {
			mp := mb.Plane(idx)
			for i := 0; i < l; i++ {
				for j := 0; j < s; j++ {
					scores.Set(i, j, scores.At(i, j)+float64(mp.At(i, j)))
				}
			}
		}
		softmaxRows64(&scores)

		var o mat.Dense
		o.Mul(&scores, vd)
		base := h * l * dv
		for i := 0; i < l; i++ {
			for j := 0; j < dv; j++ {
				out.Data[base+i*dv+j] = float32(o.At(i, j))
			}
		}
	}
	return out
}

// referenceLayer runs a full projection/attention/merge/projection pass in
// float64, mapping query head h to kv head h / (H/Hkv).
func referenceLayer(t *testing.T, cfg Config, wq, wk, wv, wo *tensor.Mat, q, k, v *tensor.Tensor, causal bool) *tensor.Tensor {
	t.Helper()
	h, hkv, d := cfg.NumHeads, cfg.KVHeads(), cfg.HeadDim()
	group := h / hkv
	n, l, s := q.Shape[0], q.Shape[1], k.Shape[1]

	dense := func(m *tensor.Mat) *mat.Dense { return planeDense(m.Tensor().Plane(nil)) }
	wqd, wkd, wvd, wod := dense(wq), dense(wk), dense(wv), dense(wo)

	out := tensor.New(n, l, wo.R)
	for b := 0; b < n; b++ {
		var qp, kp, vp mat.Dense
		qp.Mul(planeDense(q.Plane([]int{b})), wqd.T())
		kp.Mul(planeDense(k.Plane([]int{b})), wkd.T())
		vp.Mul(planeDense(v.Plane([]int{b})), wvd.T())

		merged := mat.NewDense(l, h*d, nil)
		for head := 0; head < h; head++ {
			kvh := head / group
			qh := qp.Slice(0, l, head*d, (head+1)*d)
			kh := kp.Slice(0, s, kvh*d, (kvh+1)*d)
			vh := vp.Slice(0, s, kvh*d, (kvh+1)*d)

			var scores mat.Dense
			scores.Mul(qh, kh.T())
			scores.Scale(1/math.Sqrt(float64(d)), &scores)
			if causal {
				for i := 0; i < l; i++ {
					for j := i + (s - l) + 1; j < s; j++ {
						if j >= 0 {
							scores.Set(i, j, math.Inf(-1))
						}
					}
				}
			}
			softmaxRows64(&scores)
			var oh mat.Dense
			oh.Mul(&scores, vh)
			merged.Slice(0, l, head*d, (head+1)*d).(*mat.Dense).Copy(&oh)
		}

		var y mat.Dense
		y.Mul(merged, wod.T())
		for i := 0; i < l; i++ {
			for j := 0; j < wo.R; j++ {
				out.Data[(b*l+i)*wo.R+j] = float32(y.At(i, j))
			}
		}
	}
	return out
}
