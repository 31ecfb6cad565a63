package attention

import (
	"strings"

	"github.com/samcharles93/attnkit/internal/logger"
)

// Kernel selects how a layer computes attention.
type Kernel string

const (
	KernelDense Kernel = "dense"
	KernelFlash Kernel = "flash"
)

func ParseKernel(s string) (Kernel, error) {
	switch Kernel(strings.ToLower(strings.TrimSpace(s))) {
	case "", KernelDense:
		return KernelDense, nil
	case KernelFlash:
		return KernelFlash, nil
	default:
		return "", configErrorf("unknown kernel %q", s)
	}
}

// Config describes an attention layer. NumKVHeads of zero means one kv head
// per query head.
type Config struct {
	HiddenSize int           `yaml:"hidden_size"`
	NumHeads   int           `yaml:"num_heads"`
	NumKVHeads int           `yaml:"num_kv_heads"`
	Kernel     Kernel        `yaml:"kernel"`
	BlockSize  int           `yaml:"block_size"`
	Workers    int           `yaml:"workers"`
	Logger     logger.Logger `yaml:"-"`
}

// Validate checks head counts and kernel settings.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 {
		return configErrorf("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NumHeads <= 0 {
		return configErrorf("num_heads must be positive, got %d", c.NumHeads)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return configErrorf("hidden_size %d is not divisible by num_heads %d", c.HiddenSize, c.NumHeads)
	}
	kv := c.KVHeads()
	if kv <= 0 {
		return configErrorf("num_kv_heads must be positive, got %d", c.NumKVHeads)
	}
	if c.NumHeads%kv != 0 {
		return configErrorf("num_heads %d is not divisible by num_kv_heads %d", c.NumHeads, kv)
	}
	if _, err := ParseKernel(string(c.Kernel)); err != nil {
		return err
	}
	if c.BlockSize < 0 {
		return configErrorf("block_size must not be negative, got %d", c.BlockSize)
	}
	return nil
}

func (c Config) HeadDim() int {
	if c.NumHeads <= 0 {
		return 0
	}
	return c.HiddenSize / c.NumHeads
}

func (c Config) KVHeads() int {
	if c.NumKVHeads == 0 {
		return c.NumHeads
	}
	return c.NumKVHeads
}
