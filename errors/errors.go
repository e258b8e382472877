// Package errors is the error package used throughout LeakHunter.
//
// It re-exports github.com/cockroachdb/errors so that every error carries a
// stack trace, can be wrapped with context, and can be marked with one of the
// sentinels below. Callers test for a category with errors.Is:
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // 404
//	}
//
// Components define their own typed errors (rules.ConfigError,
// finding.ValidationError, dispatch.Error) and mark them with a sentinel here
// so that the HTTP layer can map them without importing every package.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Marking
var (
	Mark          = crdb.Mark
	Handled       = crdb.Handled
	CombineErrors = crdb.CombineErrors
)

// Sentinel categories. Wrap or Mark these to keep the category while adding
// context.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or failed validation
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates a missing or unknown API key
	ErrUnauthorized = New("unauthorized")

	// ErrServiceUnavailable indicates a required backend is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates the resource is busy or already exists
	ErrConflict = New("resource conflict")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}
