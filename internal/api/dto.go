package api

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Variant selects the attention entry point a request runs.
type Variant string

const (
	VariantSDPA    Variant = "sdpa"
	VariantFlash   Variant = "flash"
	VariantGrouped Variant = "grouped"
)

type TensorPayload struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	DType string    `json:"dtype,omitempty"`
}

// MaskPayload is either the string "causal" or an explicit mask tensor.
type MaskPayload struct {
	Name    *string
	Tensor  *TensorPayload
	Boolean bool
}

type maskObject struct {
	TensorPayload
	Boolean bool `json:"boolean,omitempty"`
}

func (m *MaskPayload) UnmarshalJSON(b []byte) error {
	if m == nil {
		return fmt.Errorf("mask: nil receiver")
	}
	if len(b) == 0 || string(b) == "null" {
		*m = MaskPayload{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("mask: %w", err)
		}
		*m = MaskPayload{Name: &s}
		return nil
	case '{':
		var obj maskObject
		if err := json.Unmarshal(b, &obj); err != nil {
			return fmt.Errorf("mask: %w", err)
		}
		*m = MaskPayload{Tensor: &obj.TensorPayload, Boolean: obj.Boolean}
		return nil
	default:
		return fmt.Errorf("mask: expected string or object")
	}
}

func (m MaskPayload) MarshalJSON() ([]byte, error) {
	if m.Name != nil {
		return json.Marshal(*m.Name)
	}
	if m.Tensor != nil {
		return json.Marshal(maskObject{TensorPayload: *m.Tensor, Boolean: m.Boolean})
	}
	return []byte("null"), nil
}

type AttentionRequest struct {
	Variant   Variant        `json:"variant"`
	Query     *TensorPayload `json:"query"`
	Key       *TensorPayload `json:"key"`
	Value     *TensorPayload `json:"value"`
	Scale     *float32       `json:"scale,omitempty"`
	Mask      *MaskPayload   `json:"mask,omitempty"`
	BlockSize *int           `json:"block_size,omitempty"`
}

type AttentionResponse struct {
	ID        uuid.UUID `json:"id"`
	Object    string    `json:"object"`
	Variant   Variant   `json:"variant"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	DType     string    `json:"dtype"`
	ElapsedMS float64   `json:"elapsed_ms"`
	CreatedAt int64     `json:"created_at"`
}

type DeleteAttentionResp struct {
	ID      uuid.UUID `json:"id"`
	Object  string    `json:"object"`
	Deleted bool      `json:"deleted"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
