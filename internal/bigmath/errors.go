package bigmath

import (
	"errors"
	"fmt"
)

// DomainErrorCode categorizes invalid math preconditions.
type DomainErrorCode string

const (
	// ErrCodeNegativeSqrt indicates a square root of a negative integer was requested.
	ErrCodeNegativeSqrt DomainErrorCode = "NEGATIVE_SQRT"

	// ErrCodeDivisionByZero indicates a zero divisor.
	ErrCodeDivisionByZero DomainErrorCode = "DIVISION_BY_ZERO"

	// ErrCodeNilOperand indicates a nil *big.Int was passed where a value is required.
	ErrCodeNilOperand DomainErrorCode = "NIL_OPERAND"
)

// DomainError reports a violated math precondition.
//
// A DomainError always indicates a caller bug: the inputs handed to a pure
// computation were outside its domain. It is never retried or recovered
// internally; callers must guard their inputs.
type DomainError struct {
	// Code identifies the violated precondition.
	Code DomainErrorCode

	// Op names the operation that rejected its input (e.g. "sqrt", "matching.pool_units").
	Op string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDomainError creates a DomainError.
func NewDomainError(code DomainErrorCode, op, message string) *DomainError {
	return &DomainError{Code: code, Op: op, Message: message}
}

// IsDomainError returns true if err is (or wraps) a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// IsDivisionByZero returns true if err is a DomainError for a zero divisor.
func IsDivisionByZero(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == ErrCodeDivisionByZero
	}
	return false
}
