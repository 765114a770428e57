package repository

import (
	"context"

	"devicegate/internal/settings/domain"
)

// Repository reads and writes the single app_settings row. Get never returns nil settings:
// a missing row yields the configured defaults.
type Repository interface {
	Get(ctx context.Context) (*domain.AppSettings, error)
	Update(ctx context.Context, maxDevices, inactivityDays int) (*domain.AppSettings, error)
}
