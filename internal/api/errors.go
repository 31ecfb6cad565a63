package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/attnkit/internal/attention"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{msg: msg, param: param}
}

// statusFor maps a failed request to its HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, attention.ErrShapeMismatch),
		errors.Is(err, attention.ErrInvalidShape),
		errors.Is(err, attention.ErrConfig):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, attention.ErrNumericalInstability):
		return http.StatusUnprocessableEntity, "numerical_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func paramOf(err error) string {
	var ire invalidRequestError
	if errors.As(err, &ire) {
		return ire.param
	}
	return ""
}
