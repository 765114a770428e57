package repository

import (
	"context"
	"time"

	"devicegate/internal/session/domain"
)

// UpsertInput describes one admitted visit of a device.
type UpsertInput struct {
	UserID            string
	DeviceID          string
	ExternalSessionID *string // nil keeps any known value
	Attributes        domain.DeviceAttributes
	SeenAt            time.Time
}

// LimitedUpsert is the outcome of a transactional count-and-insert.
// Session is nil when Admitted is false. ActiveCount is the count after the operation.
type LimitedUpsert struct {
	Session     *domain.Session
	Admitted    bool
	Renewal     bool
	ActiveCount int
}

// Repository defines persistence for device sessions. Every implementation keeps at
// most one active row per (user, device). Lookups return (nil, nil) for a missing row;
// errors are returned only for storage failures and match db.ErrStorage.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	FindActiveByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error)
	// FindLatestByUserAndDevice returns the newest row for the pair whatever its status.
	FindLatestByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error)
	// ListActive and ListAll order by last_seen descending.
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
	ListAll(ctx context.Context, userID string) ([]*domain.Session, error)
	// UpsertActiveSession refreshes the active row for the pair or inserts one. It never
	// surfaces a uniqueness failure to concurrent callers for the same pair.
	UpsertActiveSession(ctx context.Context, in UpsertInput) (*domain.Session, error)
	// UpsertActiveSessionWithinLimit admits a returning device unconditionally and a new
	// device only while fewer than maxDevices rows are active, atomically.
	UpsertActiveSessionWithinLimit(ctx context.Context, in UpsertInput, maxDevices int) (LimitedUpsert, error)
	// Mark* operations touch active rows only; revoking a revoked row changes nothing.
	MarkRevoked(ctx context.Context, sessionID, reason string, byDeviceID *string) (bool, error)
	MarkRevokedForDevice(ctx context.Context, userID, deviceID, reason string, byDeviceID *string) (bool, error)
	MarkAllRevoked(ctx context.Context, userID, reason string) (int64, error)
	MarkIdleRevoked(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}
