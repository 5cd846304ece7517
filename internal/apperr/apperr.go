// Package apperr defines the error taxonomy shared by the ledger engines.
//
// Every failure that crosses an engine boundary carries a Kind (how the
// caller should react) and a Code (what went wrong). Engines wrap the
// sentinel values with fmt.Errorf("%w: ...") to add context; callers recover
// them with errors.Is, CodeOf or KindOf.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups codes by how a caller should react.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindNotFound     Kind = "NOT_FOUND"
	KindBusinessRule Kind = "BUSINESS_RULE"
	KindConflict     Kind = "CONFLICT"
	KindStorage      Kind = "STORAGE_FAILURE"
)

// Code is the machine-readable failure reason.
type Code string

const (
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeAlreadyExists         Code = "ALREADY_EXISTS"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientInventory Code = "INSUFFICIENT_INVENTORY"
	CodeInsufficientPosition  Code = "INSUFFICIENT_POSITION"
	CodeLoanLimitExceeded     Code = "LOAN_LIMIT_EXCEEDED"
	CodeConflict              Code = "CONFLICT"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code so that two distinct *Error values with the same code
// compare equal under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrInvalidArgument       = &Error{KindValidation, CodeInvalidArgument, "invalid argument"}
	ErrNotFound              = &Error{KindNotFound, CodeNotFound, "not found"}
	ErrAlreadyExists         = &Error{KindBusinessRule, CodeAlreadyExists, "already exists"}
	ErrInsufficientFunds     = &Error{KindBusinessRule, CodeInsufficientFunds, "insufficient balance"}
	ErrInsufficientInventory = &Error{KindBusinessRule, CodeInsufficientInventory, "insufficient stock availability"}
	ErrInsufficientPosition  = &Error{KindBusinessRule, CodeInsufficientPosition, "insufficient stocks to sell"}
	ErrLoanLimitExceeded     = &Error{KindBusinessRule, CodeLoanLimitExceeded, "loan amount exceeds maximum limit"}
	ErrConflict              = &Error{KindConflict, CodeConflict, "entity lock timeout, retry"}
	ErrStorage               = &Error{KindStorage, CodeStorageFailure, "storage failure"}
)

// Invalid returns a validation error with a formatted message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Storage classifies err as a storage failure unless it already carries a
// taxonomy code.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// CodeOf returns the code carried by err, or STORAGE_FAILURE for
// unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorageFailure
}

// KindOf returns the kind carried by err, or STORAGE_FAILURE for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}
