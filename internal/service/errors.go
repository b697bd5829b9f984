package service

import "errors"

// Service errors not covered by the domain package.
var (
	// ErrInternalError wraps failures of supporting infrastructure.
	ErrInternalError = errors.New("internal server error")
)
