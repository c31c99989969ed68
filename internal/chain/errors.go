package chain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind categorizes why an on-chain submission did not confirm.
type ErrorKind string

const (
	// KindReverted indicates the transaction was mined but reverted.
	KindReverted ErrorKind = "REVERTED"

	// KindTimeout indicates confirmation did not arrive in time.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindRejected indicates the signer refused to sign or send.
	KindRejected ErrorKind = "REJECTED"
)

// ChainError reports a failed on-chain submission.
//
// It is surfaced verbatim to the caller and never retried automatically:
// resubmitting a financial transaction risks duplicating it.
type ChainError struct {
	// Kind identifies the failure category.
	Kind ErrorKind

	// Op is the operation family that failed.
	Op OpKind

	// Message is the revert reason or signer message.
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// Reverted creates a KindReverted ChainError.
func Reverted(op OpKind, reason string) *ChainError {
	return &ChainError{Kind: KindReverted, Op: op, Message: reason}
}

// Rejected creates a KindRejected ChainError.
func Rejected(op OpKind, reason string) *ChainError {
	return &ChainError{Kind: KindRejected, Op: op, Message: reason}
}

// TimedOut creates a KindTimeout ChainError wrapping cause.
func TimedOut(op OpKind, cause error) *ChainError {
	return &ChainError{Kind: KindTimeout, Op: op, Message: "confirmation timed out", Err: cause}
}

// IsChainError returns true if err is (or wraps) a ChainError.
func IsChainError(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}

// KindOf returns the ChainError kind of err, or "" when err is not a ChainError.
func KindOf(err error) ErrorKind {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// AsChainError normalizes any submission error into a ChainError.
// Deadline errors become timeouts; anything else unrecognized is treated as a rejection.
func AsChainError(op OpKind, err error) *ChainError {
	if err == nil {
		return nil
	}
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut(op, err)
	}
	return &ChainError{Kind: KindRejected, Op: op, Message: err.Error(), Err: err}
}
