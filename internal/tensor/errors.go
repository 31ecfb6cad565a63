package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports operands whose ranks or dimensions are incompatible.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidShape reports degenerate dimensions such as a zero-length axis.
	ErrInvalidShape = errors.New("invalid shape")
)

type shapeError struct {
	msg  string
	kind error
}

func (e shapeError) Error() string {
	return e.msg
}

func (e shapeError) Unwrap() error {
	return e.kind
}

// Mismatchf returns an error that matches ErrShapeMismatch.
func Mismatchf(format string, args ...any) error {
	return shapeError{msg: fmt.Sprintf(format, args...), kind: ErrShapeMismatch}
}

// Invalidf returns an error that matches ErrInvalidShape.
func Invalidf(format string, args ...any) error {
	return shapeError{msg: fmt.Sprintf(format, args...), kind: ErrInvalidShape}
}
