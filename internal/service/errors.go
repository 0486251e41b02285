package service

import (
	"errors"
	"fmt"
)

// Sentinel error kinds the HTTP layer maps to status codes.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUpstream     = errors.New("upstream failure")
)

// Validationf wraps ErrInvalidInput with a client-safe message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
