package tbw

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound      = errors.New("tbw: block not found")
	ErrAlreadyExists = errors.New("tbw: block already exists")
	ErrOutOfSpace    = errors.New("tbw: worker out of space")
	// ErrTimeout means the worker gave up waiting for a block lock.
	ErrTimeout = errors.New("tbw: worker timed out")
	// ErrOverloaded means the under file system read limit was reached.
	ErrOverloaded = errors.New("tbw: too many concurrent ufs reads")
)

// APIError is a non-2xx response from the worker's HTTP API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tbw: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrAlreadyExists:
		return e.StatusCode == http.StatusConflict
	case ErrOutOfSpace:
		return e.StatusCode == http.StatusInsufficientStorage
	case ErrTimeout:
		return e.StatusCode == http.StatusGatewayTimeout
	case ErrOverloaded:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
