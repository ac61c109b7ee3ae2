package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("challenge: not found or expired")
	ErrFailed       = errors.New("challenge: user failed challenge")
	ErrMissingField = errors.New("challenge: missing field")
	ErrRender       = errors.New("challenge: can't render image")
	ErrStore        = errors.New("challenge: store failure")
)

func NewError(verb, publicReason string, privateReason error) *Error {
	return &Error{
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		StatusCode:    StatusFor(privateReason),
	}
}

// Error pairs the message shown to the user with the cause that only goes
// to the logs.
type Error struct {
	PrivateReason error
	Verb          string
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: error when processing challenge: %s: %v", e.Verb, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}

// StatusFor maps an error from this package's taxonomy to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFailed), errors.Is(err, ErrMissingField):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
