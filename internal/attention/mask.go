package attention

import (
	"math"
	"slices"
	"strings"

	"github.com/samcharles93/attnkit/internal/tensor"
)

// Mask restricts which keys each query may attend to. Masks are resolved
// against the score shape of a call, so one Mask value can be reused across
// calls of different sizes.
type Mask interface {
	bind(scores []int) (*boundMask, error)
	String() string
}

type maskKind uint8

const (
	maskCausal maskKind = iota + 1
	maskAdditive
	maskBoolean
)

// maskedScore is added to hidden scores. Scores accumulate in float32 for
// every input dtype, so it must outweigh any finite float32 score.
const maskedScore = -math.MaxFloat32

type causalMask struct{}

// Causal attends key j from query i when j <= i + (S-L). It is evaluated
// inline and never materialised.
func Causal() Mask { return causalMask{} }

func (causalMask) String() string { return "causal" }

func (causalMask) bind(scores []int) (*boundMask, error) {
	rank := len(scores)
	l, s := scores[rank-2], scores[rank-1]
	return &boundMask{kind: maskCausal, neg: maskedScore, offset: s - l}, nil
}

type tensorMask struct {
	t       *tensor.Tensor
	boolean bool
}

// Additive adds t to the scores. t must broadcast to [..., L, S]; entries of
// -Inf or a large negative value suppress a key.
func Additive(t *tensor.Tensor) Mask { return tensorMask{t: t} }

// Boolean attends where t is non-zero and suppresses the rest.
func Boolean(t *tensor.Tensor) Mask { return tensorMask{t: t, boolean: true} }

func (m tensorMask) String() string {
	if m.boolean {
		return "boolean"
	}
	return "additive"
}

func (m tensorMask) bind(scores []int) (*boundMask, error) {
	if m.t == nil {
		return nil, configErrorf("mask tensor is nil")
	}
	if m.t.Rank() > len(scores) {
		return nil, tensor.Mismatchf("mask %v has more axes than scores %v", m.t.Shape, scores)
	}
	view, err := m.t.BroadcastTo(scores...)
	if err != nil {
		return nil, tensor.Mismatchf("mask %v does not broadcast to scores %v", m.t.Shape, scores)
	}
	kind := maskAdditive
	if m.boolean {
		kind = maskBoolean
	}
	return &boundMask{kind: kind, neg: maskedScore, view: view}, nil
}

// ParseMask resolves a named preset. "" and "none" return a nil Mask.
func ParseMask(name string) (Mask, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "causal":
		return Causal(), nil
	default:
		return nil, configErrorf("unknown mask preset %q", name)
	}
}

// CausalMask builds the additive [L, S] causal mask in dtype. Hidden
// positions hold dtype's most negative finite value.
func CausalMask(l, s int, dtype tensor.DType) (*tensor.Tensor, error) {
	if l <= 0 || s <= 0 {
		return nil, tensor.Invalidf("causal mask needs positive lengths, got L=%d S=%d", l, s)
	}
	out := tensor.New(l, s)
	out.DType = dtype
	neg := dtype.MinValue()
	offset := s - l
	for i := range l {
		row := out.Data[i*s : (i+1)*s]
		for j := max(i+offset+1, 0); j < s; j++ {
			row[j] = neg
		}
	}
	return out, nil
}

// boundMask is a Mask resolved against one call's score shape.
type boundMask struct {
	kind   maskKind
	neg    float32
	offset int
	view   *tensor.Tensor
	// group > 0 folds the trailing (kv head, group) lead axes back into the
	// query-head axis the mask was bound against.
	group int
}

func (b *boundMask) plane(lead []int) maskPlane {
	mp := maskPlane{kind: b.kind, neg: b.neg, offset: b.offset}
	if b.view == nil {
		return mp
	}
	if b.group > 0 {
		n := len(lead)
		folded := slices.Clone(lead[:n-1])
		folded[n-2] = lead[n-2]*b.group + lead[n-1]
		lead = folded
	}
	mp.p = b.view.Plane(lead)
	return mp
}

// maskPlane applies a bound mask to the score rows of one (batch, head)
// slice.
type maskPlane struct {
	kind   maskKind
	neg    float32
	offset int
	p      tensor.Plane
}

// add applies the mask for query row i to scores of keys [j0, j0+len(dst)).
func (mp *maskPlane) add(i, j0 int, dst []float32) {
	switch mp.kind {
	case maskCausal:
		first := max(i+mp.offset+1-j0, 0)
		for j := first; j < len(dst); j++ {
			dst[j] += mp.neg
		}
	case maskAdditive:
		base := mp.p.Offset + i*mp.p.RowStride + j0*mp.p.ColStride
		for j := range dst {
			dst[j] += mp.p.Data[base+j*mp.p.ColStride]
		}
	case maskBoolean:
		base := mp.p.Offset + i*mp.p.RowStride + j0*mp.p.ColStride
		for j := range dst {
			if mp.p.Data[base+j*mp.p.ColStride] == 0 {
				dst[j] += mp.neg
			}
		}
	}
}
