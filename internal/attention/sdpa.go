package attention

import (
	"math"
	"slices"

	"github.com/samcharles93/attnkit/internal/tensor"
)

// problem is one validated attention call: broadcast views of q, k and v over
// a common lead shape, plus everything the kernels need per slice.
type problem struct {
	q, k, v   *tensor.Tensor
	lead      []int
	planes    int
	l, s      int
	d, dv     int
	scale     float32
	mask      *boundMask
	dtype     tensor.DType
	out       *tensor.Tensor
	blockSize int
}

// prepare validates shapes and builds the broadcast views. v may be nil when
// only the weights are wanted. group > 0 marks the grouped 5-D layout, whose
// masks are bound against the folded [..., H, L, S] shape.
func prepare(q, k, v *tensor.Tensor, o *options, group int) (*problem, error) {
	if q == nil || k == nil {
		return nil, tensor.Invalidf("query and key are required")
	}
	if q.Rank() < 2 || k.Rank() < 2 || (v != nil && v.Rank() < 2) {
		return nil, tensor.Invalidf("attention operands need rank >= 2")
	}
	l, d := q.Dim(-2), q.Dim(-1)
	s, dk := k.Dim(-2), k.Dim(-1)
	if l == 0 || s == 0 || d == 0 || dk == 0 {
		return nil, tensor.Invalidf("degenerate attention shape: query %v key %v", q.Shape, k.Shape)
	}
	if d != dk {
		return nil, tensor.Mismatchf("query head dim %d does not match key head dim %d", d, dk)
	}
	dv := s
	leadShapes := [][]int{q.Shape[:q.Rank()-2], k.Shape[:k.Rank()-2]}
	if v != nil {
		sv := v.Dim(-2)
		dv = v.Dim(-1)
		if sv == 0 || dv == 0 {
			return nil, tensor.Invalidf("degenerate value shape %v", v.Shape)
		}
		if sv != s {
			return nil, tensor.Mismatchf("key length %d does not match value length %d", s, sv)
		}
		leadShapes = append(leadShapes, v.Shape[:v.Rank()-2])
	}
	lead, err := tensor.BroadcastShapes(leadShapes...)
	if err != nil {
		return nil, err
	}
	n := tensor.NumElements(lead)
	if n == 0 {
		return nil, tensor.Invalidf("degenerate leading dims %v", lead)
	}

	p := &problem{
		lead:      lead,
		planes:    n,
		l:         l,
		s:         s,
		d:         d,
		dv:        dv,
		scale:     o.scale,
		dtype:     q.DType,
		blockSize: o.blockSize,
	}
	if !o.scaleSet {
		p.scale = float32(1 / math.Sqrt(float64(d)))
	}
	if p.q, err = q.BroadcastTo(slices.Concat(lead, []int{l, d})...); err != nil {
		return nil, err
	}
	if p.k, err = k.BroadcastTo(slices.Concat(lead, []int{s, d})...); err != nil {
		return nil, err
	}
	if v != nil {
		if p.v, err = v.BroadcastTo(slices.Concat(lead, []int{s, dv})...); err != nil {
			return nil, err
		}
	}

	if o.mask != nil {
		scores := slices.Concat(lead, []int{l, s})
		if group > 0 {
			r := len(lead)
			scores = slices.Concat(lead[:r-2], []int{lead[r-2] * lead[r-1], l, s})
		}
		if p.mask, err = o.mask.bind(scores); err != nil {
			return nil, err
		}
		p.mask.group = group
	}

	p.out = tensor.New(slices.Concat(lead, []int{l, dv})...)
	return p, nil
}

// finish rejects non-finite output and rounds to the query dtype.
func (p *problem) finish(o *options, op string) (*tensor.Tensor, error) {
	if idx, ok := tensor.AllFinite(p.out.Data); !ok {
		o.log.Warn("non-finite attention output", "op", op, "index", idx, "shape", p.out.Shape)
		return nil, instabilityf("%s: non-finite value at output index %d", op, idx)
	}
	if p.dtype != tensor.Float32 {
		for i, x := range p.out.Data {
			p.out.Data[i] = p.dtype.Round(x)
		}
	}
	p.out.DType = p.dtype
	return p.out, nil
}

func attend(q, k, v *tensor.Tensor, o *options, group int, kernel Kernel) (*tensor.Tensor, error) {
	p, err := prepare(q, k, v, o, group)
	if err != nil {
		return nil, err
	}
	o.log.Debug("attention", "kernel", kernel, "planes", p.planes, "l", p.l, "s", p.s, "d", p.d)
	var job headJob
	switch kernel {
	case KernelFlash:
		job = &flashJob{problem: p}
	default:
		job = &denseJob{problem: p}
	}
	runHeads(job, p.planes, o.workers)
	return p.finish(o, string(kernel))
}

// ScaledDotProductAttention computes softmax(q·kᵀ·scale + mask)·v.
//
// q is [..., L, D], k is [..., S, D] and v is [..., S, Dv]; leading dims
// broadcast. The result is [..., L, Dv] in q's dtype.
func ScaledDotProductAttention(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, tensor.Invalidf("value is required")
	}
	return attend(q, k, v, o, 0, KernelDense)
}

// AttentionWeights returns the [..., L, S] softmax weights of q against k.
func AttentionWeights(q, k *tensor.Tensor, opts ...Option) (*tensor.Tensor, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	p, err := prepare(q, k, nil, o, 0)
	if err != nil {
		return nil, err
	}
	runHeads(&denseJob{problem: p, weightsOnly: true}, p.planes, o.workers)
	return p.finish(o, "weights")
}

type denseJob struct {
	*problem
	weightsOnly bool
}

func (j *denseJob) runHeads(rs, re int) {
	p := j.problem
	idx := make([]int, len(p.lead))
	qbuf := make([]float32, p.l*p.d)
	ktbuf := make([]float32, p.d*p.s)
	scores := tensor.NewMat(p.l, p.s)
	var vbuf []float32
	if !j.weightsOnly {
		vbuf = make([]float32, p.s*p.dv)
	}

	for h := rs; h < re; h++ {
		tensor.Unravel(h, p.lead, idx)
		qm := p.q.Plane(idx).PackRows(0, p.l, qbuf)
		kt := p.k.Plane(idx).PackT(0, p.s, ktbuf)
		tensor.GemmPar(&scores, &qm, &kt, p.scale, 0, 1)

		if p.mask != nil {
			mp := p.mask.plane(idx)
			for i := 0; i < p.l; i++ {
				mp.add(i, 0, scores.Row(i))
			}
		}
		for i := 0; i < p.l; i++ {
			tensor.Softmax(scores.Row(i))
		}

		if j.weightsOnly {
			copy(p.out.Data[h*p.l*p.s:], scores.Data)
			continue
		}
		vm := p.v.Plane(idx).PackRows(0, p.s, vbuf)
		dst := tensor.NewMatFromData(p.l, p.dv, p.out.Data[h*p.l*p.dv:(h+1)*p.l*p.dv])
		tensor.GemmPar(&dst, &scores, &vm, 1, 0, 1)
	}
}
