package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegate/internal/db"
	"devicegate/internal/user/domain"
)

var userColumnNames = []string{"id", "external_subject_id", "display_name", "email", "email_verified", "picture_url", "phone", "created_at", "updated_at"}

func TestPostgresRepository_EnsureByExternalID(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	repo := NewPostgresRepository(sqlDB)
	repo.now = func() time.Time { return now }

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (external_subject_id) DO UPDATE SET")).
		WithArgs(sqlmock.AnyArg(), "auth0|abc", "Ada", nil, false, nil, now).
		WillReturnRows(sqlmock.NewRows(userColumnNames).
			AddRow("u1", "auth0|abc", "Ada", "ada@example.com", true, nil, nil, now.Add(-time.Hour), now))

	u, err := repo.EnsureByExternalID(context.Background(), "auth0|abc", domain.Profile{DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "ada@example.com", u.Email, "stored email is kept when the profile omits it")
	assert.True(t, u.EmailVerified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_EnsureByExternalID_RequiresSubject(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = NewPostgresRepository(sqlDB).EnsureByExternalID(context.Background(), "", domain.Profile{})
	assert.Error(t, err)
}

func TestPostgresRepository_GetByID(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).WithArgs("u1").WillReturnError(errors.New("boom"))

	u, err := repo.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, u)

	_, err = repo.GetByID(context.Background(), "u1")
	assert.True(t, errors.Is(err, db.ErrStorage))
}

func TestMemoryRepository_EnsureByExternalID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.EnsureByExternalID(ctx, "auth0|abc", domain.Profile{Email: "ada@example.com"})
	require.NoError(t, err)
	second, err := repo.EnsureByExternalID(ctx, "auth0|abc", domain.Profile{DisplayName: "Ada"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "ada@example.com", second.Email)
	assert.Equal(t, "Ada", second.DisplayName)

	byExt, err := repo.GetByExternalID(ctx, "auth0|abc")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byExt.ID)

	missing, err := repo.GetByExternalID(ctx, "auth0|nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
