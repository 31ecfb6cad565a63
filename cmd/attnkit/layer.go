package main

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/safetensors"
	"github.com/samcharles93/attnkit/internal/tensor"
)

// forwarder is satisfied by both attention layer types.
type forwarder interface {
	Forward(q, k, v *tensor.Tensor, mask attention.Mask) (*tensor.Tensor, error)
	OutputSize() int
}

type weights struct {
	wq, wk, wv, wo *tensor.Mat
}

// loadWeights reads wq, wk, wv and wo from a safetensors file.
func loadWeights(path string) (*weights, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	var w weights
	for _, slot := range []struct {
		name string
		dst  **tensor.Mat
	}{
		{"wq", &w.wq},
		{"wk", &w.wk},
		{"wv", &w.wv},
		{"wo", &w.wo},
	} {
		m, err := f.ReadMat(slot.name)
		if err != nil {
			return nil, fmt.Errorf("weights %s: %w", slot.name, err)
		}
		*slot.dst = m
	}
	return &w, nil
}

// randomWeights draws Xavier-initialised projections for cfg.
func randomWeights(cfg attention.Config, seed int64) *weights {
	proj := cfg.NumHeads * cfg.HeadDim()
	kv := cfg.KVHeads() * cfg.HeadDim()
	mk := func(r, c int, s int64) *tensor.Mat {
		m := tensor.NewMat(r, c)
		tensor.FillXavier(&m, s)
		return &m
	}
	return &weights{
		wq: mk(proj, cfg.HiddenSize, seed),
		wk: mk(kv, cfg.HiddenSize, seed+1),
		wv: mk(kv, cfg.HiddenSize, seed+2),
		wo: mk(cfg.HiddenSize, proj, seed+3),
	}
}

func (w *weights) save(path string, cfg attention.Config) error {
	return safetensors.Write(path, map[string]*tensor.Tensor{
		"wq": w.wq.Tensor(),
		"wk": w.wk.Tensor(),
		"wv": w.wv.Tensor(),
		"wo": w.wo.Tensor(),
	}, map[string]string{
		"hidden_size":  fmt.Sprint(cfg.HiddenSize),
		"num_heads":    fmt.Sprint(cfg.NumHeads),
		"num_kv_heads": fmt.Sprint(cfg.KVHeads()),
	})
}

// newForwarder picks MHA when every query head has its own kv head.
func newForwarder(cfg attention.Config, w *weights) (forwarder, error) {
	if cfg.KVHeads() == cfg.NumHeads {
		cfg.NumKVHeads = 0
		mha, err := attention.NewMultiHeadAttention(cfg, w.wq, w.wk, w.wv, w.wo)
		if err != nil {
			return nil, err
		}
		return mha, nil
	}
	gqa, err := attention.NewGroupedQueryAttention(cfg, w.wq, w.wk, w.wv, w.wo)
	if err != nil {
		return nil, err
	}
	return gqa, nil
}

// buildForwarder resolves weights from --weights or the seed.
func buildForwarder(f *layerFlags, cfg attention.Config) (forwarder, *weights, error) {
	var (
		w   *weights
		err error
	)
	if f.weights != "" {
		if w, err = loadWeights(f.weights); err != nil {
			return nil, nil, err
		}
	} else {
		w = randomWeights(cfg, f.seed)
	}
	layer, err := newForwarder(cfg, w)
	if err != nil {
		return nil, nil, err
	}
	return layer, w, nil
}

// checksum is a stable digest of the output values, for comparing runs.
func checksum(values []float32) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range values {
		bits := math.Float32bits(v)
		buf[0], buf[1], buf[2], buf[3] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
