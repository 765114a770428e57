package idp

import (
	"fmt"

	"devicegate/internal/session/domain"
)

// ErrCredential means the management credential could not be obtained after all attempts.
var ErrCredential = fmt.Errorf("idp credential unavailable: %w", domain.ErrInfrastructure)

// APIError is a response outside the tolerated status set.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("idp: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("idp: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return domain.ErrInfrastructure
}
