package tbw

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Is(t *testing.T) {
	tests := []struct {
		status int
		target error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrAlreadyExists},
		{http.StatusInsufficientStorage, ErrOutOfSpace},
		{http.StatusGatewayTimeout, ErrTimeout},
		{http.StatusTooManyRequests, ErrOverloaded},
	}
	for _, tt := range tests {
		err := fmt.Errorf("wrapped: %w", &APIError{StatusCode: tt.status, Message: "x"})
		if !errors.Is(err, tt.target) {
			t.Errorf("status %d should match %v", tt.status, tt.target)
		}
	}
}

func TestAPIError_OtherStatus(t *testing.T) {
	err := &APIError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	for _, target := range []error{ErrNotFound, ErrAlreadyExists, ErrOutOfSpace, ErrTimeout, ErrOverloaded} {
		if errors.Is(err, target) {
			t.Errorf("500 should not match %v", target)
		}
	}
	if got := err.Error(); got != "tbw: 500 Internal Server Error: boom" {
		t.Errorf("Error() = %q", got)
	}
}
