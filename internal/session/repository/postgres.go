package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"devicegate/internal/db"
	"devicegate/internal/session/domain"
)

const sessionColumns = `id, user_id, device_id, external_session_id, status, user_agent_raw, browser_name,
	browser_version, os_name, os_version, device_type, is_bot, ip_address, revoked_reason,
	revoked_by_device_id, revoked_at, last_seen, created_at`

// The conflict target matches the partial unique index, so concurrent first visits of
// the same device resolve to one row instead of a unique violation.
const upsertActiveSQL = `INSERT INTO user_sessions (id, user_id, device_id, external_session_id, status,
	user_agent_raw, browser_name, browser_version, os_name, os_version, device_type, is_bot, ip_address,
	last_seen, created_at)
VALUES ($1, $2, $3, $4, 'active', $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (user_id, device_id) WHERE status = 'active' DO UPDATE SET
	external_session_id = COALESCE(EXCLUDED.external_session_id, user_sessions.external_session_id),
	user_agent_raw = EXCLUDED.user_agent_raw,
	browser_name = EXCLUDED.browser_name,
	browser_version = EXCLUDED.browser_version,
	os_name = EXCLUDED.os_name,
	os_version = EXCLUDED.os_version,
	device_type = EXCLUDED.device_type,
	is_bot = EXCLUDED.is_bot,
	ip_address = EXCLUDED.ip_address,
	last_seen = EXCLUDED.last_seen
RETURNING ` + sessionColumns

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(sqlDB *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, now: func() time.Time { return time.Now().UTC() }}
}

var _ Repository = (*PostgresRepository)(nil)

// GetByID returns the session for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE id = $1`, id)
	return scanOptional("session.get", row)
}

// FindActiveByUserAndDevice returns the single active row for the pair, or nil.
func (r *PostgresRepository) FindActiveByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 AND device_id = $2 AND status = 'active'`, userID, deviceID)
	return scanOptional("session.find_active", row)
}

// FindLatestByUserAndDevice returns the most recently created row for the pair, or nil.
func (r *PostgresRepository) FindLatestByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 AND device_id = $2 ORDER BY created_at DESC LIMIT 1`, userID, deviceID)
	return scanOptional("session.find_latest", row)
}

// ListActive returns the user's active sessions, most recently seen first.
func (r *PostgresRepository) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	return r.list(ctx, "session.list_active", `SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 AND status = 'active' ORDER BY last_seen DESC`, userID)
}

// ListAll returns every session row for the user, most recently seen first.
func (r *PostgresRepository) ListAll(ctx context.Context, userID string) ([]*domain.Session, error) {
	return r.list(ctx, "session.list_all", `SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 ORDER BY last_seen DESC`, userID)
}

// UpsertActiveSession inserts or refreshes the active row for the pair in one statement.
func (r *PostgresRepository) UpsertActiveSession(ctx context.Context, in UpsertInput) (*domain.Session, error) {
	s, err := upsertActive(ctx, r.db, in, r.seenAt(in))
	if err != nil {
		return nil, db.Wrap("session.upsert_active", err)
	}
	return s, nil
}

// UpsertActiveSessionWithinLimit serializes admissions per user by locking the users row,
// then counts and inserts inside the same transaction.
func (r *PostgresRepository) UpsertActiveSessionWithinLimit(ctx context.Context, in UpsertInput, maxDevices int) (LimitedUpsert, error) {
	const op = "session.upsert_within_limit"
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LimitedUpsert{}, db.Wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var lockedID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, in.UserID).Scan(&lockedID); err != nil {
		return LimitedUpsert{}, db.Wrap(op, err)
	}

	var own, active int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FILTER (WHERE device_id = $2), COUNT(*)
		FROM user_sessions WHERE user_id = $1 AND status = 'active'`, in.UserID, in.DeviceID).Scan(&own, &active)
	if err != nil {
		return LimitedUpsert{}, db.Wrap(op, err)
	}

	renewal := own > 0
	if !renewal && active >= maxDevices {
		if err := tx.Commit(); err != nil {
			return LimitedUpsert{}, db.Wrap(op, err)
		}
		return LimitedUpsert{Admitted: false, ActiveCount: active}, nil
	}

	s, err := upsertActive(ctx, tx, in, r.seenAt(in))
	if err != nil {
		return LimitedUpsert{}, db.Wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return LimitedUpsert{}, db.Wrap(op, err)
	}
	if !renewal {
		active++
	}
	return LimitedUpsert{Session: s, Admitted: true, Renewal: renewal, ActiveCount: active}, nil
}

// MarkRevoked revokes the session if it is still active. Returns whether a row changed.
func (r *PostgresRepository) MarkRevoked(ctx context.Context, sessionID, reason string, byDeviceID *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE user_sessions
		SET status = 'revoked', revoked_reason = $2, revoked_by_device_id = $3, revoked_at = $4
		WHERE id = $1 AND status = 'active'`, sessionID, reason, stringPtrToNull(byDeviceID), r.now())
	return changed("session.mark_revoked", res, err)
}

// MarkRevokedForDevice revokes the active row for the pair, if any.
func (r *PostgresRepository) MarkRevokedForDevice(ctx context.Context, userID, deviceID, reason string, byDeviceID *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE user_sessions
		SET status = 'revoked', revoked_reason = $3, revoked_by_device_id = $4, revoked_at = $5
		WHERE user_id = $1 AND device_id = $2 AND status = 'active'`,
		userID, deviceID, reason, stringPtrToNull(byDeviceID), r.now())
	return changed("session.mark_revoked_for_device", res, err)
}

// MarkAllRevoked revokes every active row for the user and returns how many changed.
func (r *PostgresRepository) MarkAllRevoked(ctx context.Context, userID, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE user_sessions
		SET status = 'revoked', revoked_reason = $2, revoked_at = $3
		WHERE user_id = $1 AND status = 'active'`, userID, reason, r.now())
	return affected("session.mark_all_revoked", res, err)
}

// MarkIdleRevoked revokes active rows last seen before cutoff.
func (r *PostgresRepository) MarkIdleRevoked(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE user_sessions
		SET status = 'revoked', revoked_reason = $2, revoked_at = $3
		WHERE status = 'active' AND last_seen < $1`, cutoff, reason, r.now())
	return affected("session.mark_idle_revoked", res, err)
}

func (r *PostgresRepository) seenAt(in UpsertInput) time.Time {
	if in.SeenAt.IsZero() {
		return r.now()
	}
	return in.SeenAt.UTC()
}

func (r *PostgresRepository) list(ctx context.Context, op, query string, args ...any) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Wrap(op, err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, db.Wrap(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(op, err)
	}
	return out, nil
}

func upsertActive(ctx context.Context, q queryer, in UpsertInput, seenAt time.Time) (*domain.Session, error) {
	a := in.Attributes
	row := q.QueryRowContext(ctx, upsertActiveSQL,
		uuid.New().String(), in.UserID, in.DeviceID, stringPtrToNull(in.ExternalSessionID),
		nullIfEmpty(a.UserAgentRaw), nullIfEmpty(a.BrowserName), nullIfEmpty(a.BrowserVersion),
		nullIfEmpty(a.OSName), nullIfEmpty(a.OSVersion), nullIfEmpty(a.DeviceType), a.IsBot,
		nullIfEmpty(a.IPAddress), seenAt, seenAt,
	)
	return scanSession(row)
}

func scanOptional(op string, row *sql.Row) (*domain.Session, error) {
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, db.Wrap(op, err)
	}
	return s, nil
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s                        domain.Session
		status                   string
		ext, ua, browser, osName sql.NullString
		browserVer, osVer        sql.NullString
		deviceType, ip           sql.NullString
		reason, revokedBy        sql.NullString
		revokedAt                sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &ext, &status, &ua, &browser, &browserVer,
		&osName, &osVer, &deviceType, &s.Attributes.IsBot, &ip, &reason, &revokedBy, &revokedAt,
		&s.LastSeen, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.ExternalSessionID = nullToStringPtr(ext)
	s.Attributes.UserAgentRaw = ua.String
	s.Attributes.BrowserName = browser.String
	s.Attributes.BrowserVersion = browserVer.String
	s.Attributes.OSName = osName.String
	s.Attributes.OSVersion = osVer.String
	s.Attributes.DeviceType = deviceType.String
	s.Attributes.IPAddress = ip.String
	if domain.Status(status) == domain.StatusRevoked {
		s.Revocation = &domain.Revocation{
			Reason:     reason.String,
			ByDeviceID: nullToStringPtr(revokedBy),
			At:         revokedAt.Time,
		}
	}
	return &s, nil
}

func changed(op string, res sql.Result, err error) (bool, error) {
	n, err := affected(op, res, err)
	return n > 0, err
}

func affected(op string, res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, db.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.Wrap(op, err)
	}
	return n, nil
}

func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func stringPtrToNull(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullToStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
