package repository

import "errors"

// Failure modes surfaced to callers. Everything else is fatal.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("timeline: not found")
	// ErrConstraintViolated indicates a uniqueness or foreign-key violation.
	ErrConstraintViolated = errors.New("timeline: constraint violated")
	// ErrUnavailable indicates a transient store failure; callers may retry.
	ErrUnavailable = errors.New("timeline: store unavailable")
	// ErrDeadlock indicates the store detected a deadlock; callers retry.
	ErrDeadlock = errors.New("timeline: deadlock")
	// ErrDuplicateSession indicates a registration for an already-known
	// external session identifier.
	ErrDuplicateSession = errors.New("timeline: duplicate session")
)
