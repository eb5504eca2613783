// Package errors provides error handling for shiftly.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints and details) and defines the error taxonomy every engine
// operation reports through:
//
//	ErrValidation          malformed or missing input, never retried
//	ErrForbidden           wrong role or non-owner caller, never retried
//	ErrNotFound            unknown job or escrow
//	ErrStateConflict       operation not valid for the current status
//	ErrFinancialInvariant  escrow not in the expected held state
//	ErrTransient           storage or messaging failure, safe to retry
//
// Usage:
//
//	if err := store.UpdateJob(ctx, tx, job); err != nil {
//	    return errors.WrapTransient(err, "update job")
//	}
//
//	if errors.Is(err, errors.ErrStateConflict) {
//	    // reconcile with the status carried by *StateConflictError
//	}
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
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
	Mark               = crdb.Mark
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors. Wrap them with context; check them with Is.
var (
	ErrValidation         = New("validation failed")
	ErrForbidden          = New("forbidden")
	ErrNotFound           = New("not found")
	ErrStateConflict      = New("state conflict")
	ErrFinancialInvariant = New("financial invariant violated")
	ErrTransient          = New("transient infrastructure failure")
)

// StateConflictError reports an operation rejected because of the job's
// current status. It unwraps to ErrStateConflict.
type StateConflictError struct {
	JobID  string
	Status string
	Op     string
	Reason string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s (status: %s)", e.Op, e.JobID, e.Reason, e.Status)
	}
	return fmt.Sprintf("%s %s: not allowed in status %s", e.Op, e.JobID, e.Status)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// NewStateConflict creates a state conflict for op on jobID in status.
func NewStateConflict(op, jobID, status, reason string) error {
	return WithStack(&StateConflictError{JobID: jobID, Status: status, Op: op, Reason: reason})
}

// ConflictStatus extracts the job status carried by a state conflict.
func ConflictStatus(err error) (string, bool) {
	var sc *StateConflictError
	if As(err, &sc) {
		return sc.Status, true
	}
	return "", false
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, fmt.Sprintf(format, args...))
}

// NewForbiddenError creates an authorization error with a formatted message
func NewForbiddenError(format string, args ...interface{}) error {
	return Wrap(ErrForbidden, fmt.Sprintf(format, args...))
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, fmt.Sprintf(format, args...))
}

// NewFinancialInvariantError creates a financial invariant error with a formatted message
func NewFinancialInvariantError(format string, args ...interface{}) error {
	return Wrap(ErrFinancialInvariant, fmt.Sprintf(format, args...))
}

// WrapTransient marks err as a transient infrastructure failure.
// Errors that already belong to the taxonomy pass through with context only.
func WrapTransient(err error, msg string) error {
	if err == nil {
		return nil
	}
	if IsAny(err, ErrValidation, ErrForbidden, ErrNotFound, ErrStateConflict, ErrFinancialInvariant) {
		return Wrap(err, msg)
	}
	return Mark(Wrap(err, msg), ErrTransient)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsStateConflict checks if an error is or wraps ErrStateConflict
func IsStateConflict(err error) bool {
	return err != nil && Is(err, ErrStateConflict)
}

// IsTransient checks if an error was marked as a transient failure
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransient)
}
