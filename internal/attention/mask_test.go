package attention

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/attnkit/internal/tensor"
)

func TestCausalMaskValues(t *testing.T) {
	t.Parallel()
	neg := float32(-math.MaxFloat32)

	square, err := CausalMask(3, 3, tensor.Float32)
	require.NoError(t, err)
	want := []float32{
		0, neg, neg,
		0, 0, neg,
		0, 0, 0,
	}
	if diff := cmp.Diff(want, square.Data); diff != "" {
		t.Fatalf("square causal mask (-want +got):\n%s", diff)
	}

	// Two cached positions precede the two queries.
	decode, err := CausalMask(2, 4, tensor.Float16)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, decode.DType)
	assert.Equal(t, []float32{
		0, 0, 0, -65504,
		0, 0, 0, 0,
	}, decode.Data)
}

func TestCausalMaskRejectsDegenerate(t *testing.T) {
	t.Parallel()
	for _, ls := range [][2]int{{0, 3}, {3, 0}, {-1, 2}} {
		_, err := CausalMask(ls[0], ls[1], tensor.Float32)
		assert.ErrorIs(t, err, ErrInvalidShape, "%v", ls)
	}
}

func TestCausalMoreQueriesThanKeys(t *testing.T) {
	t.Parallel()
	q, k, v := tensor.Rand(1, 4, 3), tensor.Rand(2, 2, 3), tensor.Rand(3, 2, 3)

	w, err := AttentionWeights(q, k, WithMask(Causal()))
	require.NoError(t, err)
	// Rows 0 and 1 see no key and fall back to a uniform distribution.
	for i := 0; i < 2; i++ {
		assert.Equal(t, []float32{0.5, 0.5}, w.Values()[i*2:i*2+2], "row %d", i)
	}
	assert.Equal(t, float32(0), w.At(2, 1))

	out, err := FlashAttention(q, k, v, WithMask(Causal()), WithBlockSize(1))
	require.NoError(t, err)
	dense, err := ScaledDotProductAttention(q, k, v, WithMask(Causal()))
	require.NoError(t, err)
	assert.LessOrEqual(t, tensor.MaxRelDiff(out.Data, dense.Data), 1e-4)
}

func TestInlineCausalMatchesConstructed(t *testing.T) {
	t.Parallel()
	for _, ls := range [][2]int{{5, 5}, {3, 7}, {6, 4}} {
		l, s := ls[0], ls[1]
		q, k, v := tensor.Rand(1, 2, 3, l, 4), tensor.Rand(2, 2, 3, s, 4), tensor.Rand(3, 2, 3, s, 6)
		built, err := CausalMask(l, s, tensor.Float32)
		require.NoError(t, err)

		for _, kernel := range []func(q, k, v *tensor.Tensor, opts ...Option) (*tensor.Tensor, error){
			ScaledDotProductAttention, FlashAttention,
		} {
			want, err := kernel(q, k, v, WithMask(Additive(built)), WithBlockSize(2))
			require.NoError(t, err)
			inline, err := kernel(q, k, v, WithMask(Causal()), WithBlockSize(2))
			require.NoError(t, err)
			named, err := kernel(q, k, v, WithNamedMask("Causal"), WithBlockSize(2))
			require.NoError(t, err)

			assert.Equal(t, want.Data, inline.Data, "L=%d S=%d", l, s)
			assert.Equal(t, want.Data, named.Data, "L=%d S=%d", l, s)
		}
	}
}

func TestBooleanMaskMatchesCausal(t *testing.T) {
	t.Parallel()
	q, k, v := tensor.Rand(1, 5, 4), tensor.Rand(2, 5, 4), tensor.Rand(3, 5, 4)
	tril := tensor.New(5, 5)
	for i := 0; i < 5; i++ {
		for j := 0; j <= i; j++ {
			tril.Set(1, i, j)
		}
	}
	want, err := ScaledDotProductAttention(q, k, v, WithMask(Causal()))
	require.NoError(t, err)
	got, err := ScaledDotProductAttention(q, k, v, WithMask(Boolean(tril)))
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestParseMask(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "none", " NONE "} {
		m, err := ParseMask(name)
		require.NoError(t, err)
		assert.Nil(t, m)
	}
	m, err := ParseMask("CAUSAL")
	require.NoError(t, err)
	assert.Equal(t, "causal", m.String())

	_, err = ParseMask("sliding")
	assert.ErrorIs(t, err, ErrConfig)

	assert.Equal(t, "boolean", Boolean(tensor.New(1)).String())
	assert.Equal(t, "additive", Additive(tensor.New(1)).String())
}

func TestHalfPrecisionMaskHidesLargeScores(t *testing.T) {
	t.Parallel()
	// Key 1 outscores key 0 by far more than the float16 range, yet query 0
	// must still see key 0 only.
	q := mustData(t, []float32{200, 200, 200, 200, 200, 200, 200, 200}, 2, 4).AsType(tensor.Float16)
	k := mustData(t, []float32{-200, -200, -200, -200, 200, 200, 200, 200}, 2, 4).AsType(tensor.Float16)
	v := mustData(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4).AsType(tensor.Float16)

	tril := mustData(t, []float32{1, 0, 1, 1}, 2, 2)
	for _, mask := range []Mask{Causal(), Boolean(tril)} {
		w, err := AttentionWeights(q, k, WithMask(mask), WithScale(1))
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0, 1}, w.Values(), mask.String())

		out, err := ScaledDotProductAttention(q, k, v, WithMask(mask), WithScale(1))
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3, 4}, out.Values()[:4], mask.String())

		flash, err := FlashAttention(q, k, v, WithMask(mask), WithScale(1), WithBlockSize(1))
		require.NoError(t, err)
		assert.Equal(t, out.Values(), flash.Values(), mask.String())
	}
}
