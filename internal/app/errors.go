package app

import "errors"

// ErrNotFound and related errors describe store and runtime failures.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)
