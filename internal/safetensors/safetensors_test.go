package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/attnkit/internal/tensor"
)

type entry = map[string]any

func tensorEntry(dtype string, shape []int, start, end int64) entry {
	return entry{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

// writeRaw lays out a safetensors file by hand so tests can build headers
// the writer would never produce.
func writeRaw(t *testing.T, header any, data []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func u16Bytes(vals ...uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, entry{"weight": tensorEntry("F32", []int{2, 3}, 0, 24)}, make([]byte, 24))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path)
	require.Len(t, f.Tensors, 1)

	info, ok := f.Tensor("weight")
	require.True(t, ok)
	assert.Equal(t, "F32", info.DType)
	assert.Equal(t, []int{2, 3}, info.Shape)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := Open("/nonexistent/file.safetensors")
	assert.Error(t, err, "missing file")

	short := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0o644))
	_, err = Open(short)
	assert.Error(t, err, "truncated length prefix")

	huge := filepath.Join(t.TempDir(), "huge.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	require.NoError(t, os.WriteFile(huge, lenBuf[:], 0o644))
	_, err = Open(huge)
	assert.ErrorContains(t, err, "exceeds limit")

	invalid := filepath.Join(t.TempDir(), "invalid.safetensors")
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	require.NoError(t, os.WriteFile(invalid, append(lenBuf[:], []byte("not valid js")...), 0o644))
	_, err = Open(invalid)
	assert.Error(t, err, "invalid JSON header")

	badOffsets := writeRaw(t, entry{"bad": entry{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}}, nil)
	_, err = Open(badOffsets)
	assert.ErrorContains(t, err, "invalid data_offsets")
}

func TestMetadataSeparated(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, entry{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      tensorEntry("F32", []int{4}, 0, 16),
	}, make([]byte, 16))

	sf, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, sf.Tensors, 1)
	assert.Equal(t, map[string]string{"format": "pt"}, sf.Metadata)
}

func TestReadTensorF32Decoding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		dtype string
		data  []byte
		want  []float32
	}{
		{"f32", "F32", f32Bytes(1.5, -2, 0.25), []float32{1.5, -2, 0.25}},
		{"bf16", "BF16", u16Bytes(0x3F80, 0x4000, 0xBF80), []float32{1, 2, -1}},
		{"f16", "F16", u16Bytes(0x3C00, 0x4000, 0xBC00), []float32{1, 2, -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeRaw(t, entry{"x": tensorEntry(tc.dtype, []int{3}, 0, int64(len(tc.data)))}, tc.data)
			sf, err := Open(path)
			require.NoError(t, err)

			got, info, err := sf.ReadTensorF32("x")
			require.NoError(t, err)
			assert.Equal(t, tc.dtype, info.DType)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, entry{
		"i8":       tensorEntry("I8", []int{4}, 0, 4),
		"short":    tensorEntry("F32", []int{4}, 4, 12),
		"inverted": tensorEntry("F32", []int{2}, 8, 0),
	}, make([]byte, 12))
	sf, err := Open(path)
	require.NoError(t, err)

	_, _, err = sf.ReadTensor("missing")
	assert.ErrorContains(t, err, "tensor not found")

	_, _, err = sf.ReadTensorF32("i8")
	assert.ErrorContains(t, err, "unsupported dtype")

	_, _, err = sf.ReadTensorF32("short")
	assert.ErrorContains(t, err, "invalid f32 data size")

	_, _, err = sf.ReadTensor("inverted")
	assert.ErrorContains(t, err, "invalid offsets")
}

func TestNumElements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{2, -1}, 0, true},
	}

	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.shape)
			continue
		}
		require.NoError(t, err, "%v", tc.shape)
		assert.Equal(t, tc.expected, n)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	wq := tensor.Rand(1, 4, 3)
	half := tensor.Rand(2, 2, 2).AsType(tensor.Float16)
	brain := tensor.Rand(3, 5).AsType(tensor.BFloat16)
	// A transposed view is written in logical order.
	wt, err := wq.Transpose(1, 0)
	require.NoError(t, err)

	err = Write(path, map[string]*tensor.Tensor{
		"wq":    wq,
		"wq_t":  wt,
		"half":  half,
		"brain": brain,
	}, map[string]string{"producer": "attnkit"})
	require.NoError(t, err)

	sf, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"brain", "half", "wq", "wq_t"}, sf.Names())
	assert.Equal(t, "attnkit", sf.Metadata["producer"])
	assert.Zero(t, sf.DataStart%8, "data section must be 8-byte aligned")

	got, err := sf.Load("wq")
	require.NoError(t, err)
	assert.Equal(t, wq.Shape, got.Shape)
	assert.Equal(t, wq.Data, got.Data)
	assert.Equal(t, tensor.Float32, got.DType)

	gotT, err := sf.Load("wq_t")
	require.NoError(t, err)
	assert.Equal(t, wt.Values(), gotT.Data)

	gotHalf, err := sf.Load("half")
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, gotHalf.DType)
	assert.Equal(t, half.Data, gotHalf.Data, "rounded values survive f16 encoding exactly")
	for i, v := range gotHalf.Data {
		assert.Equal(t, float16.Fromfloat32(v).Float32(), v, "index %d", i)
	}

	gotBrain, err := sf.Load("brain")
	require.NoError(t, err)
	assert.Equal(t, tensor.BFloat16, gotBrain.DType)
	assert.Equal(t, brain.Data, gotBrain.Data)
}

func TestReadMat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mat.safetensors")
	w, err := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	require.NoError(t, Write(path, map[string]*tensor.Tensor{"w": w, "b": tensor.New(3)}, nil))

	sf, err := Open(path)
	require.NoError(t, err)
	m, err := sf.ReadMat("w")
	require.NoError(t, err)
	assert.Equal(t, 2, m.R)
	assert.Equal(t, 3, m.C)
	assert.Equal(t, []float32{4, 5, 6}, m.Row(1))

	_, err = sf.ReadMat("b")
	assert.ErrorContains(t, err, "expected 2D tensor")
}
