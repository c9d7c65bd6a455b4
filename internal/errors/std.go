package errors

import "errors"

// Re-exported so callers importing this package under its own name keep
// access to the standard helpers.
var (
	New = errors.New
	As  = errors.As
	Is  = errors.Is
)
