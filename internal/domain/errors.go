package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Configuration errors
	ErrInvalidConfig     = errors.New("invalid mesh configuration")
	ErrInvalidTier       = errors.New("unknown tier")
	ErrNegativeNodeCount = errors.New("tier node count must not be negative")

	// Ring errors
	ErrEmptyMesh     = errors.New("mesh has no nodes")
	ErrDuplicateNode = errors.New("node already registered")
	ErrUnknownNode   = errors.New("node not found")

	// Storage errors
	ErrSessionNotFound = errors.New("session placement not found")
)
