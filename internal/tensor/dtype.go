package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType describes the precision a tensor's values are representable in.
// Values are always held as float32; a narrower dtype means every stored
// value has been rounded to that format.
type DType uint8

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType accepts the short names and the safetensors spellings.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "float32":
		return Float32, nil
	case "f16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", s)
	}
}

// MinValue returns the most negative finite value representable in d.
func (d DType) MinValue() float32 {
	switch d {
	case Float16:
		return float16.Frombits(0xfbff).Float32()
	case BFloat16:
		return math.Float32frombits(0xff7f0000)
	default:
		return -math.MaxFloat32
	}
}

// Round converts v to the nearest value representable in d.
func (d DType) Round(v float32) float32 {
	switch d {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return BF16ToF32(F32ToBF16(v))
	default:
		return v
	}
}

// F32ToBF16 rounds to nearest even, keeping NaN a NaN.
func F32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}

func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
