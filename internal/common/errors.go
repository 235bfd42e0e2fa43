// Package common defines sentinel errors and small helpers shared by the
// server packages. Callers should use errors.Is to match these values.
package common

import "errors"

var (

	// repository specific errors
	ErrorNotFound = errors.New("not found")

	// service specific errors
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// ErrorConflict reports a write that lost against a concurrent one.
	ErrorConflict = errors.New("conflict")
)
