package paywall

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the paywall package.
var (
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidListingID     = errors.New("invalid listing id")
	ErrInvalidPhoneNumber   = errors.New("invalid phone number")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidReference     = errors.New("invalid correlation reference")
	ErrDuplicateGrant       = errors.New("duplicate access grant")
	ErrGrantNotFound        = errors.New("access grant not found")
	ErrListingNotFound      = errors.New("listing not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrDuplicateUser        = errors.New("username already taken")
	ErrAmbiguousContact     = errors.New("contact matches more than one user")
	ErrAttemptNotFound      = errors.New("payment attempt not found")
	ErrDuplicateAttempt     = errors.New("duplicate payment attempt")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
