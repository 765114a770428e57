package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"devicegate/internal/db"
	"devicegate/internal/settings/domain"
)

const settingsColumns = `id, max_devices, inactivity_days, created_at, updated_at`

type PostgresRepository struct {
	db       *sql.DB
	defaults domain.AppSettings
	now      func() time.Time
}

// NewPostgresRepository returns a settings repository that falls back to defaults when no row exists.
func NewPostgresRepository(sqlDB *sql.DB, defaults domain.AppSettings) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, defaults: defaults, now: func() time.Time { return time.Now().UTC() }}
}

var _ Repository = (*PostgresRepository)(nil)

// Get returns the oldest app_settings row, or a copy of the defaults if the table is empty.
func (r *PostgresRepository) Get(ctx context.Context) (*domain.AppSettings, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM app_settings ORDER BY created_at ASC LIMIT 1`)
	s, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			d := r.defaults
			return &d, nil
		}
		return nil, db.Wrap("settings.get", err)
	}
	return s, nil
}

// Update changes the existing row, inserting one when the table is empty.
func (r *PostgresRepository) Update(ctx context.Context, maxDevices, inactivityDays int) (*domain.AppSettings, error) {
	if err := domain.Validate(maxDevices, inactivityDays); err != nil {
		return nil, err
	}
	now := r.now()
	row := r.db.QueryRowContext(ctx, `UPDATE app_settings SET max_devices = $1, inactivity_days = $2, updated_at = $3
		WHERE id = (SELECT id FROM app_settings ORDER BY created_at ASC LIMIT 1)
		RETURNING `+settingsColumns, maxDevices, inactivityDays, now)
	s, err := scanSettings(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, db.Wrap("settings.update", err)
	}
	row = r.db.QueryRowContext(ctx, `INSERT INTO app_settings (id, max_devices, inactivity_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4) RETURNING `+settingsColumns, uuid.New().String(), maxDevices, inactivityDays, now)
	s, err = scanSettings(row)
	if err != nil {
		return nil, db.Wrap("settings.insert", err)
	}
	return s, nil
}

func scanSettings(row *sql.Row) (*domain.AppSettings, error) {
	var s domain.AppSettings
	if err := row.Scan(&s.ID, &s.MaxDevices, &s.InactivityDays, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
