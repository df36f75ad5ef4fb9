package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist. Callers that
	// promised null-instead-of-error semantics translate this to a nil
	// result at their boundary.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned for uniqueness or check violations.
	ErrConstraint = errors.New("constraint violation")

	// ErrVectorDisabled is returned by VectorSearch when the store was
	// initialized without embedding columns. Callers fall back to content
	// search.
	ErrVectorDisabled = errors.New("vector search disabled")
)
