// Package common provides shared utilities and types used across the application.
package common

import (
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Worker protocol errors.
	ErrConfirmTimeout  = errors.New("confirmation timeout")
	ErrResponseTimeout = errors.New("response timeout")
	ErrWorkerDied      = errors.New("worker died")

	// Vault errors.
	ErrVaultLocked = errors.New("vault is locked")

	// Integration errors.
	ErrUnknownIntegration = errors.New("unknown integration type")
	ErrMethodUnsupported  = errors.New("method not supported by integration")
	ErrInstanceShutdown   = errors.New("integration instance is shutting down")

	// Ledger errors.
	ErrUnitSumMismatch = errors.New("unit amounts do not sum to transaction amount")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}
