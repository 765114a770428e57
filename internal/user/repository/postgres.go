package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"devicegate/internal/db"
	"devicegate/internal/user/domain"
)

const userColumns = `id, external_subject_id, display_name, email, email_verified, picture_url, phone, created_at, updated_at`

type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(sqlDB *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, now: func() time.Time { return time.Now().UTC() }}
}

var _ Repository = (*PostgresRepository)(nil)

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanOptional("user.get", row)
}

// GetByExternalID returns the user for the IdP subject, or nil if not found.
func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalSubjectID string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_subject_id = $1`, externalSubjectID)
	return scanOptional("user.get_by_external_id", row)
}

// EnsureByExternalID upserts on the subject's unique key so first sightings from
// concurrent requests create exactly one user.
func (r *PostgresRepository) EnsureByExternalID(ctx context.Context, externalSubjectID string, p domain.Profile) (*domain.User, error) {
	u := &domain.User{ExternalSubjectID: externalSubjectID}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	row := r.db.QueryRowContext(ctx, `INSERT INTO users (id, external_subject_id, display_name, email, email_verified, picture_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (external_subject_id) DO UPDATE SET
	display_name = COALESCE(EXCLUDED.display_name, users.display_name),
	email = COALESCE(EXCLUDED.email, users.email),
	email_verified = users.email_verified OR EXCLUDED.email_verified,
	picture_url = COALESCE(EXCLUDED.picture_url, users.picture_url),
	updated_at = EXCLUDED.updated_at
RETURNING `+userColumns,
		uuid.New().String(), externalSubjectID, nullIfEmpty(p.DisplayName), nullIfEmpty(p.Email),
		p.EmailVerified, nullIfEmpty(p.PictureURL), now)
	out, err := scanUser(row)
	if err != nil {
		return nil, db.Wrap("user.ensure", err)
	}
	return out, nil
}

func scanOptional(op string, row *sql.Row) (*domain.User, error) {
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, db.Wrap(op, err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var name, email, picture, phone sql.NullString
	if err := row.Scan(&u.ID, &u.ExternalSubjectID, &name, &email, &u.EmailVerified, &picture, &phone, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.DisplayName = name.String
	u.Email = email.String
	u.PictureURL = picture.String
	u.Phone = phone.String
	return &u, nil
}

func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
