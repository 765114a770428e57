package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrValidation is matched by every *ValidationError. Rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated means the caller presented no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the actor neither owns the target nor is an administrator.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the referenced session or user does not exist. An already
	// revoked session is not a NotFound.
	ErrNotFound = errors.New("not found")
	// ErrInfrastructure marks IdP or policy engine failures.
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ValidateID checks that value is a well-formed UUID. field names the input in the error.
func ValidateID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if _, err := uuid.Parse(value); err != nil {
		return &ValidationError{Field: field, Reason: "must be a UUID"}
	}
	return nil
}

// ValidateOptionalID is ValidateID for nullable inputs; nil is valid.
func ValidateOptionalID(field string, value *string) error {
	if value == nil {
		return nil
	}
	return ValidateID(field, *value)
}

// ValidateReason rejects empty or oversized revocation reasons.
func ValidateReason(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{Field: "reason", Reason: "is required"}
	}
	if len(reason) > 128 {
		return &ValidationError{Field: "reason", Reason: "must be at most 128 characters"}
	}
	return nil
}
