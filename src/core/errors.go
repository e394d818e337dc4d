package main

import (
	"errors"
	"fmt"
)

// Package-level errors for subnet operations
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrSubnetNotFound      = errors.New("subnet not found")
	ErrNoAddress           = errors.New("no address provided and no signer set")
	ErrNoActiveAccount     = errors.New("no active wallet account")
	ErrMissingTokenMapping = errors.New("no token mapping for subnet contract")
	ErrInvalidContractID   = errors.New("invalid contract id")
	ErrUnsupportedKind     = errors.New("unsupported transaction kind")
	ErrInvalidSignature    = errors.New("signature verification failed")
	ErrSigningUnavailable  = errors.New("transaction signer not configured")
)

// ValidationError reports a malformed request field. It is raised before any
// chain interaction is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError checks whether an error is a ValidationError and returns it.
func IsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// ChainError wraps a failed interaction with the Stacks node API.
type ChainError struct {
	Op     string
	Status int
	Reason string
}

func (e *ChainError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chain %s failed (status %d): %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("chain %s failed: %s", e.Op, e.Reason)
}

// IsNotFound reports whether err is a not-found class error: a missing
// transaction or an unknown subnet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrSubnetNotFound)
}
