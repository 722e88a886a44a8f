package apperrors

import "errors"

// Package apperrors defines a small set of exported sentinel errors used for
// programmatic checks across packages. Only use these sentinels for errors
// callers may reasonably check with errors.Is. Queue state errors (lease lost,
// already completed, ...) live in package queue next to the state machine.

var (
	// ErrInvalidArgument indicates the caller provided invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConfigured indicates a required runtime dependency was not provided.
	ErrNotConfigured = errors.New("not configured")
)
