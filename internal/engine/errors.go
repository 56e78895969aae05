package engine

import "errors"

var (
	// ErrConfig reports invalid or conflicting generation parameters,
	// including a batch-size mismatch on append.
	ErrConfig = errors.New("invalid generation parameters")

	// ErrRange reports a rewind target or row index outside its valid
	// interval.
	ErrRange = errors.New("out of range")

	// ErrMissingInput reports a graph-required input with no configured
	// source. The wrapped message always names the input.
	ErrMissingInput = errors.New("missing input")
)
