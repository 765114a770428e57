package repository

import (
	"context"

	"devicegate/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByExternalID(ctx context.Context, externalSubjectID string) (*domain.User, error)
	// EnsureByExternalID returns the user for the subject, creating it on first sight and
	// syncing the profile otherwise.
	EnsureByExternalID(ctx context.Context, externalSubjectID string, profile domain.Profile) (*domain.User, error)
}
