package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken         = errors.New("auth: invalid or expired token")
	ErrMissingSecret        = errors.New("auth: token secret is not configured")
	ErrUnsupportedAlgorithm = errors.New("auth: unsupported signing algorithm")
	ErrInvalidInput         = errors.New("auth: invalid input")
)
