// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors, wrapped with context by callers and checked with errors.Is.
var (
	// Frame parsing errors
	ErrTruncatedFrame = errors.New("portredir: truncated frame")

	// Redirection table errors
	ErrTableFull   = errors.New("portredir: redirection table full")
	ErrTableClosed = errors.New("portredir: redirection table closed")
	ErrInvalidPort = errors.New("portredir: invalid port")

	// Host errors
	ErrHostClosed = errors.New("portredir: host closed")

	// Offload errors
	ErrProgramNotFound = errors.New("portredir: bpf program not found")
	ErrMapNotFound     = errors.New("portredir: bpf map not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("portredir: invalid configuration")
)
