package attention

import (
	"github.com/samcharles93/attnkit/internal/logger"
	"github.com/samcharles93/attnkit/internal/tensor"
)

// layer holds the projection weights shared by MultiHeadAttention and
// GroupedQueryAttention. Weights are [out, in] and never mutated, so a layer
// is safe for concurrent Forward calls.
type layer struct {
	cfg            Config
	kernel         Kernel
	heads, kvHeads int
	headDim        int
	wq, wk, wv, wo *tensor.Mat
	log            logger.Logger
}

func newLayer(cfg Config, wq, wk, wv, wo *tensor.Mat) (*layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kernel, _ := ParseKernel(string(cfg.Kernel))
	l := &layer{
		cfg:     cfg,
		kernel:  kernel,
		heads:   cfg.NumHeads,
		kvHeads: cfg.KVHeads(),
		headDim: cfg.HeadDim(),
		wq:      wq,
		wk:      wk,
		wv:      wv,
		wo:      wo,
		log:     cfg.Logger,
	}
	if l.log == nil {
		l.log = logger.Discard()
	}
	if err := l.checkWeights(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *layer) checkWeights() error {
	for _, w := range []struct {
		name string
		m    *tensor.Mat
		rows int
	}{
		{"wq", l.wq, l.heads * l.headDim},
		{"wk", l.wk, l.kvHeads * l.headDim},
		{"wv", l.wv, l.kvHeads * l.headDim},
		{"wo", l.wo, -1},
	} {
		if w.m == nil {
			return configErrorf("%s is nil", w.name)
		}
		if w.m.R <= 0 || w.m.C <= 0 {
			return configErrorf("%s has degenerate shape %dx%d", w.name, w.m.R, w.m.C)
		}
		if w.rows > 0 && w.m.R != w.rows {
			return configErrorf("%s projects to %d, want %d", w.name, w.m.R, w.rows)
		}
	}
	if l.wo.C != l.heads*l.headDim {
		return configErrorf("wo consumes %d, want %d", l.wo.C, l.heads*l.headDim)
	}
	if l.wk.C != l.wv.C {
		return configErrorf("wk input width %d does not match wv input width %d", l.wk.C, l.wv.C)
	}
	return nil
}

// OutputSize is the width of Forward's result, set by wo.
func (l *layer) OutputSize() int { return l.wo.R }

func (l *layer) Config() Config { return l.cfg }

// Forward projects q [N, L, Eq] and k, v [N, S, Ekv], attends per head and
// returns [N, L, OutputSize()]. mask may be nil.
func (l *layer) Forward(q, k, v *tensor.Tensor, mask Mask) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, tensor.Invalidf("query, key and value are required")
	}
	if q.Rank() != 3 || k.Rank() != 3 || v.Rank() != 3 {
		return nil, tensor.Mismatchf("expected [N, L, E] inputs, got %v %v %v", q.Shape, k.Shape, v.Shape)
	}
	for _, t := range []*tensor.Tensor{q, k, v} {
		for _, d := range t.Shape {
			if d == 0 {
				return nil, tensor.Invalidf("degenerate input shape %v", t.Shape)
			}
		}
	}
	if q.Shape[0] != k.Shape[0] || k.Shape[0] != v.Shape[0] {
		return nil, tensor.Mismatchf("batch sizes differ: %d %d %d", q.Shape[0], k.Shape[0], v.Shape[0])
	}
	if k.Shape[1] != v.Shape[1] {
		return nil, tensor.Mismatchf("key length %d does not match value length %d", k.Shape[1], v.Shape[1])
	}

	qh, err := l.splitHeads(q, l.wq, l.heads)
	if err != nil {
		return nil, err
	}
	kh, err := l.splitHeads(k, l.wk, l.kvHeads)
	if err != nil {
		return nil, err
	}
	vh, err := l.splitHeads(v, l.wv, l.kvHeads)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithMask(mask), WithWorkers(l.cfg.Workers), WithLogger(l.log)}
	if l.cfg.BlockSize > 0 {
		opts = append(opts, WithBlockSize(l.cfg.BlockSize))
	}
	var heads *tensor.Tensor
	switch {
	case l.kvHeads != l.heads && l.kernel == KernelFlash:
		heads, err = FlashAttentionGrouped(qh, kh, vh, opts...)
	case l.kvHeads != l.heads:
		heads, err = ScaledDotProductAttentionGrouped(qh, kh, vh, opts...)
	case l.kernel == KernelFlash:
		heads, err = FlashAttention(qh, kh, vh, opts...)
	default:
		heads, err = ScaledDotProductAttention(qh, kh, vh, opts...)
	}
	if err != nil {
		return nil, err
	}

	merged, err := mergeHeads(heads)
	if err != nil {
		return nil, err
	}
	return tensor.Linear(merged, l.wo, l.cfg.Workers)
}

// splitHeads projects x [N, L, E] through w and views the result as
// [N, heads, L, D].
func (l *layer) splitHeads(x *tensor.Tensor, w *tensor.Mat, heads int) (*tensor.Tensor, error) {
	p, err := tensor.Linear(x, w, l.cfg.Workers)
	if err != nil {
		return nil, err
	}
	p.DType = x.DType
	split, err := p.SplitAxis(2, heads, l.headDim)
	if err != nil {
		return nil, err
	}
	return split.Transpose(0, 2, 1, 3)
}

// mergeHeads turns [N, H, L, D] into a packed [N, L, H*D].
func mergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	t, err := x.Transpose(0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	return t.Reshape(x.Shape[0], x.Shape[2], x.Shape[1]*x.Shape[3])
}

// MultiHeadAttention is a layer with one kv head per query head.
type MultiHeadAttention struct {
	*layer
}

// NewMultiHeadAttention validates cfg and the weight shapes: wq, wk and wv
// are [H*D, Ein] and wo is [Eout, H*D].
func NewMultiHeadAttention(cfg Config, wq, wk, wv, wo *tensor.Mat) (*MultiHeadAttention, error) {
	if cfg.NumKVHeads != 0 && cfg.NumKVHeads != cfg.NumHeads {
		return nil, configErrorf("multi-head attention needs num_kv_heads == num_heads (%d), got %d", cfg.NumHeads, cfg.NumKVHeads)
	}
	l, err := newLayer(cfg, wq, wk, wv, wo)
	if err != nil {
		return nil, err
	}
	l.log.Debug("multi-head attention ready", "heads", l.heads, "head_dim", l.headDim, "kernel", l.kernel)
	return &MultiHeadAttention{layer: l}, nil
}

// GroupedQueryAttention shares each kv head across NumHeads/NumKVHeads
// query heads; wk and wv are [Hkv*D, Ein].
type GroupedQueryAttention struct {
	*layer
}

func NewGroupedQueryAttention(cfg Config, wq, wk, wv, wo *tensor.Mat) (*GroupedQueryAttention, error) {
	l, err := newLayer(cfg, wq, wk, wv, wo)
	if err != nil {
		return nil, err
	}
	l.log.Debug("grouped-query attention ready",
		"heads", l.heads, "kv_heads", l.kvHeads, "head_dim", l.headDim, "kernel", l.kernel)
	return &GroupedQueryAttention{layer: l}, nil
}

// KVHeads reports how many key/value heads the layer projects to.
func (g *GroupedQueryAttention) KVHeads() int { return g.kvHeads }
