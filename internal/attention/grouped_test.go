package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/attnkit/internal/tensor"
)

// repeatHeads copies each kv head group times along axis 1.
func repeatHeads(t *testing.T, x *tensor.Tensor, group int) *tensor.Tensor {
	t.Helper()
	n, hkv, s, d := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.New(n, hkv*group, s, d)
	for b := 0; b < n; b++ {
		for h := 0; h < hkv*group; h++ {
			for i := 0; i < s; i++ {
				for j := 0; j < d; j++ {
					out.Set(x.At(b, h/group, i, j), b, h, i, j)
				}
			}
		}
	}
	return out
}

func TestGroupedMatchesExplicitRepetition(t *testing.T) {
	t.Parallel()
	const n, h, hkv, l, s, d = 2, 6, 2, 5, 7, 4
	q := tensor.Rand(1, n, h, l, d)
	k := tensor.Rand(2, n, hkv, s, d)
	v := tensor.Rand(3, n, hkv, s, d+1)
	kr, vr := repeatHeads(t, k, h/hkv), repeatHeads(t, v, h/hkv)
	// Per-head additive mask exercises folding the group axis back to H.
	mask := tensor.Rand(4, n, h, l, s)

	cases := []struct {
		name    string
		grouped func(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error)
		plain   func(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error)
		opts    []Option
	}{
		{"dense", ScaledDotProductAttentionGrouped, ScaledDotProductAttention, nil},
		{"dense causal", ScaledDotProductAttentionGrouped, ScaledDotProductAttention, []Option{WithNamedMask("causal")}},
		{"dense per-head mask", ScaledDotProductAttentionGrouped, ScaledDotProductAttention, []Option{WithMask(Additive(mask))}},
		{"flash", FlashAttentionGrouped, FlashAttention, []Option{WithBlockSize(3)}},
		{"flash per-head mask", FlashAttentionGrouped, FlashAttention, []Option{WithMask(Additive(mask)), WithBlockSize(2)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.grouped(q, k, v, tc.opts...)
			require.NoError(t, err)
			want, err := tc.plain(q, kr, vr, tc.opts...)
			require.NoError(t, err)
			assert.Equal(t, []int{n, h, l, d + 1}, got.Shape)
			assert.Equal(t, want.Data, got.Data)
		})
	}
}

func TestGroupedWithEqualHeadsMatchesPlain(t *testing.T) {
	t.Parallel()
	q := tensor.Rand(1, 2, 3, 4, 5)
	k := tensor.Rand(2, 2, 3, 6, 5)
	v := tensor.Rand(3, 2, 3, 6, 5)

	got, err := ScaledDotProductAttentionGrouped(q, k, v, WithMask(Causal()))
	require.NoError(t, err)
	want, err := ScaledDotProductAttention(q, k, v, WithMask(Causal()))
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestGroupedErrors(t *testing.T) {
	t.Parallel()
	_, err := ScaledDotProductAttentionGrouped(tensor.New(1, 6, 2, 4), tensor.New(1, 4, 3, 4), tensor.New(1, 4, 3, 4))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = ScaledDotProductAttentionGrouped(tensor.New(1, 4, 2, 4), tensor.New(1, 2, 3, 4), tensor.New(1, 1, 3, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FlashAttentionGrouped(tensor.New(2, 4), tensor.New(3, 4), tensor.New(3, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FlashAttentionGrouped(tensor.New(1, 4, 0, 4), tensor.New(1, 2, 3, 4), tensor.New(1, 2, 3, 4))
	assert.ErrorIs(t, err, ErrInvalidShape)

	_, err = ScaledDotProductAttentionGrouped(tensor.New(1, 4, 2, 4), tensor.New(1, 2, 3, 4), tensor.New(1, 2, 3, 4), WithMask(Additive(tensor.New(3, 2, 3))))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
