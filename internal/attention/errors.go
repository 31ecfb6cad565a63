package attention

import (
	"errors"
	"fmt"

	"github.com/samcharles93/attnkit/internal/tensor"
)

var (
	// ErrConfig reports head-count, weight-shape or option misconfiguration.
	ErrConfig = errors.New("attention: invalid configuration")
	// ErrNumericalInstability reports NaN or Inf in a computed output.
	ErrNumericalInstability = errors.New("attention: numerical instability")

	ErrShapeMismatch = tensor.ErrShapeMismatch
	ErrInvalidShape  = tensor.ErrInvalidShape
)

type attnError struct {
	msg  string
	kind error
}

func (e attnError) Error() string {
	return e.msg
}

func (e attnError) Unwrap() error {
	return e.kind
}

func configErrorf(format string, args ...any) error {
	return attnError{msg: fmt.Sprintf(format, args...), kind: ErrConfig}
}

func instabilityf(format string, args ...any) error {
	return attnError{msg: fmt.Sprintf(format, args...), kind: ErrNumericalInstability}
}
