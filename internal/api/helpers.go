package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/tensor"
)

// maxElements bounds every tensor a request may carry.
const maxElements = 1 << 24

// maxScores bounds the [L, S] score plane the dense variants allocate per
// worker. Flash attention never holds a full plane.
const maxScores = 1 << 24

// checkScorePlane rejects dense requests whose score plane exceeds maxScores.
// Rank errors are left to the kernels.
func checkScorePlane(q, k *tensor.Tensor) error {
	if q.Rank() < 2 || k.Rank() < 2 {
		return nil
	}
	l, s := q.Dim(-2), k.Dim(-2)
	if s > 0 && l > maxScores/s {
		return newInvalidRequest("query", fmt.Sprintf("score plane %dx%d exceeds %d elements; use the flash variant", l, s, maxScores))
	}
	return nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func writeFailure(c *echo.Context, err error) error {
	status, errType := statusFor(err)
	return writeError(c, status, errType, err.Error(), paramOf(err), "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("invalid JSON body: %w", err)
	}
	return out, nil
}

func (p *TensorPayload) toTensor(param string) (*tensor.Tensor, error) {
	if p == nil {
		return nil, newInvalidRequest(param, param+" is required")
	}
	if len(p.Shape) == 0 {
		return nil, newInvalidRequest(param, param+".shape is required")
	}
	n := 1
	for _, d := range p.Shape {
		if d < 0 {
			return nil, newInvalidRequest(param, fmt.Sprintf("%s.shape %v has a negative dimension", param, p.Shape))
		}
		n *= d
		if n > maxElements {
			return nil, newInvalidRequest(param, fmt.Sprintf("%s exceeds %d elements", param, maxElements))
		}
	}
	dt, err := tensor.ParseDType(p.DType)
	if err != nil {
		return nil, newInvalidRequest(param, fmt.Sprintf("%s.dtype: %v", param, err))
	}
	t, err := tensor.FromData(p.Data, p.Shape...)
	if err != nil {
		return nil, newInvalidRequest(param, fmt.Sprintf("%s: %v", param, err))
	}
	return t.AsType(dt), nil
}

func (m *MaskPayload) option() (attention.Option, error) {
	switch {
	case m == nil:
		return nil, nil
	case m.Name != nil:
		mask, err := attention.ParseMask(*m.Name)
		if err != nil {
			return nil, newInvalidRequest("mask", err.Error())
		}
		return attention.WithMask(mask), nil
	case m.Tensor != nil:
		t, err := m.Tensor.toTensor("mask")
		if err != nil {
			return nil, err
		}
		if m.Boolean {
			return attention.WithMask(attention.Boolean(t)), nil
		}
		return attention.WithMask(attention.Additive(t)), nil
	default:
		return nil, nil
	}
}
