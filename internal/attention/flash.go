package attention

import (
	"math"

	"github.com/samcharles93/attnkit/internal/tensor"
)

// FlashAttention computes the same result as ScaledDotProductAttention by
// streaming key/value blocks through an online softmax, so no slice ever
// holds more than a block of scores. Block length comes from WithBlockSize
// and defaults to DefaultBlockSize.
func FlashAttention(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, tensor.Invalidf("value is required")
	}
	return attend(q, k, v, o, 0, KernelFlash)
}

// onlineSoftmax is the carry of the streaming fold for one query block:
// per row running max, running normaliser and unnormalised value sum.
type onlineSoftmax struct {
	max []float32
	sum []float64
	acc []float32
	dv  int
}

func newOnlineSoftmax(rows, dv int) *onlineSoftmax {
	return &onlineSoftmax{
		max: make([]float32, rows),
		sum: make([]float64, rows),
		acc: make([]float32, rows*dv),
		dv:  dv,
	}
}

func (st *onlineSoftmax) reset(rows int) {
	for r := 0; r < rows; r++ {
		st.max[r] = float32(math.Inf(-1))
		st.sum[r] = 0
	}
	clear(st.acc[:rows*st.dv])
}

// fold merges one key block. scores holds the masked, scaled block scores
// and is overwritten with the block's unnormalised probabilities.
func (st *onlineSoftmax) fold(scores, v *tensor.Mat) {
	for r := 0; r < scores.R; r++ {
		row := scores.Row(r)
		blockMax := float32(math.Inf(-1))
		for _, x := range row {
			if x > blockMax {
				blockMax = x
			}
		}
		prev := st.max[r]
		next := max(prev, blockMax)
		if math.IsInf(float64(next), -1) {
			// Nothing visible yet; -Inf - -Inf would poison the carry.
			clear(row)
			continue
		}
		if next != prev {
			corr := math.Exp(float64(prev - next))
			st.sum[r] *= corr
			tensor.Scale(st.acc[r*st.dv:(r+1)*st.dv], float32(corr))
		}
		var blockSum float64
		for j, x := range row {
			e := math.Exp(float64(x - next))
			row[j] = float32(e)
			blockSum += e
		}
		st.sum[r] += blockSum
		st.max[r] = next
	}
	acc := tensor.Mat{R: scores.R, C: st.dv, Stride: st.dv, Data: st.acc[:scores.R*st.dv]}
	tensor.GemmPar(&acc, scores, v, 1, 1, 1)
}

// emit writes acc/sum for the first rows into dst. A row that never saw a
// finite score divides by zero and yields NaN.
func (st *onlineSoftmax) emit(dst []float32, rows int) {
	for r := 0; r < rows; r++ {
		inv := 1 / st.sum[r]
		src := st.acc[r*st.dv : (r+1)*st.dv]
		out := dst[r*st.dv : (r+1)*st.dv]
		for j, a := range src {
			out[j] = float32(float64(a) * inv)
		}
	}
}

type flashJob struct {
	*problem
}

func (j *flashJob) runHeads(rs, re int) {
	p := j.problem
	bq := min(p.blockSize, p.l)
	bk := min(p.blockSize, p.s)

	idx := make([]int, len(p.lead))
	qbuf := make([]float32, bq*p.d)
	ktbuf := make([]float32, p.d*bk)
	vbuf := make([]float32, bk*p.dv)
	scoreBuf := make([]float32, bq*bk)
	st := newOnlineSoftmax(bq, p.dv)

	for h := rs; h < re; h++ {
		tensor.Unravel(h, p.lead, idx)
		qp := p.q.Plane(idx)
		kp := p.k.Plane(idx)
		vp := p.v.Plane(idx)
		var mp maskPlane
		if p.mask != nil {
			mp = p.mask.plane(idx)
		}
		out := p.out.Data[h*p.l*p.dv : (h+1)*p.l*p.dv]

		for i0 := 0; i0 < p.l; i0 += bq {
			i1 := min(i0+bq, p.l)
			rows := i1 - i0
			qm := qp.PackRows(i0, i1, qbuf)
			st.reset(rows)

			for j0 := 0; j0 < p.s; j0 += bk {
				j1 := min(j0+bk, p.s)
				cols := j1 - j0
				kt := kp.PackT(j0, j1, ktbuf)
				sc := tensor.Mat{R: rows, C: cols, Stride: cols, Data: scoreBuf[:rows*cols]}
				tensor.GemmPar(&sc, &qm, &kt, p.scale, 0, 1)
				if p.mask != nil {
					for r := 0; r < rows; r++ {
						mp.add(i0+r, j0, sc.Row(r))
					}
				}
				vm := vp.PackRows(j0, j1, vbuf)
				st.fold(&sc, &vm)
			}
			st.emit(out[i0*p.dv:], rows)
		}
	}
}
