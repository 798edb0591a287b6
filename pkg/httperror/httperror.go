// Package httperror carries an HTTP status code through a handler's error
// return.
package httperror

import (
	"errors"
	"net/http"
)

// HTTPError is returned by handlers that want a specific status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// New returns an HTTPError with the given status code and message.
func New(statusCode int, message string) HTTPError {
	return HTTPError{StatusCode: statusCode, Message: message}
}

// Wrap attaches a status code and public message to err.
func Wrap(err error, statusCode int, message string) HTTPError {
	return HTTPError{StatusCode: statusCode, Message: message, Err: err}
}

// StatusCode returns the status carried by err, or 500 when err is not an
// HTTPError.
func StatusCode(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return http.StatusInternalServerError
}
