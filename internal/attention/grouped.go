package attention

import (
	"github.com/samcharles93/attnkit/internal/tensor"
)

// ScaledDotProductAttentionGrouped attends q [N, H, L, D] against shared key
// and value heads k [N, Hkv, S, D] and v [N, Hkv, S, Dv], where each kv head
// serves H/Hkv consecutive query heads. The kv heads are broadcast with a
// zero stride rather than repeated, and the result matches explicit
// repetition exactly. Masks broadcast against [N, H, L, S].
func ScaledDotProductAttentionGrouped(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error) {
	return grouped(q, k, v, opts, KernelDense)
}

// FlashAttentionGrouped is the streaming form of
// ScaledDotProductAttentionGrouped.
func FlashAttentionGrouped(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error) {
	return grouped(q, k, v, opts, KernelFlash)
}

func grouped(q, k, v *tensor.Tensor, opts []Option, kernel Kernel) (*tensor.Tensor, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	qg, kg, vg, group, err := groupedViews(q, k, v)
	if err != nil {
		return nil, err
	}
	out, err := attend(qg, kg, vg, o, group, kernel)
	if err != nil {
		return nil, err
	}
	// [N, Hkv, G, L, Dv] is packed, so folding the head axes is free.
	sh := out.Shape
	return out.Reshape(sh[0], sh[1]*sh[2], sh[3], sh[4])
}

// groupedViews returns q as [N, Hkv, G, L, D] and k, v as [N, Hkv, 1, S, *]
// views over the caller's buffers.
func groupedViews(q, k, v *tensor.Tensor) (qg, kg, vg *tensor.Tensor, group int, err error) {
	if q == nil || k == nil || v == nil {
		return nil, nil, nil, 0, tensor.Invalidf("query, key and value are required")
	}
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		return nil, nil, nil, 0, tensor.Mismatchf("grouped attention expects [N, H, L, D] operands, got %v %v %v", q.Shape, k.Shape, v.Shape)
	}
	for _, t := range []*tensor.Tensor{q, k, v} {
		for _, d := range t.Shape {
			if d == 0 {
				return nil, nil, nil, 0, tensor.Invalidf("degenerate grouped attention shape %v", t.Shape)
			}
		}
	}
	h, hkv := q.Shape[1], k.Shape[1]
	if v.Shape[1] != hkv {
		return nil, nil, nil, 0, tensor.Mismatchf("key has %d heads but value has %d", hkv, v.Shape[1])
	}
	if h%hkv != 0 {
		return nil, nil, nil, 0, configErrorf("query heads %d not divisible by kv heads %d", h, hkv)
	}
	group = h / hkv

	if qg, err = q.SplitAxis(1, hkv, group); err != nil {
		return nil, nil, nil, 0, err
	}
	if kg, err = k.ExpandDims(2); err != nil {
		return nil, nil, nil, 0, err
	}
	if vg, err = v.ExpandDims(2); err != nil {
		return nil, nil, nil, 0, err
	}
	return qg, kg, vg, group, nil
}
