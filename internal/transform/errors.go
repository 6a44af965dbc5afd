package transform

import "errors"

var (
	ErrEmptyPipeline = errors.New("pipeline has no steps")
	ErrUnknownOp     = errors.New("unknown operator")
	ErrInvalidConfig = errors.New("invalid operator config")
	ErrInvalidPath   = errors.New("invalid field path")
	ErrTooManyRows   = errors.New("row limit exceeded")
	ErrUnknownLookup = errors.New("unknown lookup source")
)
