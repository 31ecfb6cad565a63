package attention

import (
	"math"

	"github.com/samcharles93/attnkit/internal/logger"
)

// DefaultBlockSize is the query and key block length used by the streaming
// kernel when no block size is given.
const DefaultBlockSize = 64

// Option adjusts a single attention call.
type Option func(*options) error

type options struct {
	scale     float32
	scaleSet  bool
	mask      Mask
	blockSize int
	workers   int
	log       logger.Logger
}

func resolveOptions(opts []Option) (*options, error) {
	o := &options{blockSize: DefaultBlockSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	return o, nil
}

// WithScale overrides the default 1/sqrt(D) score scale. s must be > 0.
func WithScale(s float32) Option {
	return func(o *options) error {
		if !(s > 0) || math.IsInf(float64(s), 1) {
			return configErrorf("scale must be a positive finite number, got %v", s)
		}
		o.scale = s
		o.scaleSet = true
		return nil
	}
}

// WithMask applies m to the scores. A nil mask is a no-op.
func WithMask(m Mask) Option {
	return func(o *options) error {
		o.mask = m
		return nil
	}
}

// WithNamedMask resolves a preset such as "causal".
func WithNamedMask(name string) Option {
	return func(o *options) error {
		m, err := ParseMask(name)
		if err != nil {
			return err
		}
		o.mask = m
		return nil
	}
}

// WithBlockSize sets the streaming kernel's block length. Blocks longer than
// the sequence are clamped to it.
func WithBlockSize(b int) Option {
	return func(o *options) error {
		if b <= 0 {
			return configErrorf("block size must be positive, got %d", b)
		}
		o.blockSize = b
		return nil
	}
}

// WithWorkers bounds how many (batch, head) slices run concurrently.
// n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) error {
		o.workers = n
		return nil
	}
}

// WithLogger sends the call's debug and instability warnings to l.
func WithLogger(l logger.Logger) Option {
	return func(o *options) error {
		o.log = l
		return nil
	}
}
