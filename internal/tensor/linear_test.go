package tensor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearMatchesNaive(t *testing.T) {
	x := Rand(1, 2, 5, 8)
	w := NewMat(6, 8)
	FillXavier(&w, 2)

	got, err := Linear(x, &w, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 6}, got.Shape)

	xs := x.Values()
	want := make([]float32, 6)
	for r := range 10 {
		matVecNaive(want, &w, xs[r*8:(r+1)*8])
		assert.InDeltaSlice(t, want, got.Data[r*6:(r+1)*6], 1e-5)
	}
}

func TestLinearSingleRow(t *testing.T) {
	x, err := FromData([]float32{1, 2}, 1, 2)
	require.NoError(t, err)
	w := NewMatFromData(3, 2, []float32{1, 0, 0, 1, 1, 1})

	got, err := Linear(x, &w, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got.Data)
}

func TestLinearTransposedInput(t *testing.T) {
	x := Rand(3, 4, 3)
	xt, err := x.Transpose(1, 0)
	require.NoError(t, err)
	w := NewMat(2, 4)
	FillXavier(&w, 4)

	got, err := Linear(xt, &w, 2)
	require.NoError(t, err)
	want, err := Linear(xt.Clone(), &w, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestLinearWidthMismatch(t *testing.T) {
	w := NewMat(2, 3)
	_, err := Linear(New(4, 5), &w, 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLinearConcurrentCallers(t *testing.T) {
	t.Parallel()
	x := Rand(5, 64, 64)
	w := NewMat(64, 64)
	FillXavier(&w, 6)
	want, err := Linear(x, &w, 1)
	require.NoError(t, err)

	// Many more callers than pool workers, each fanning out across the pool.
	callers := 8 * getRangePool().size
	results := make([]*Tensor, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			got, err := Linear(x, &w, 0)
			if err == nil {
				results[i] = got
			}
		})
	}
	wg.Wait()
	for i, got := range results {
		require.NotNil(t, got, "caller %d", i)
		assert.Equal(t, want.Data, got.Data, "caller %d", i)
	}
}
