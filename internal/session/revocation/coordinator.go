// Package revocation revokes sessions at the IdP and in the local store.
//
// The IdP is called first, then the local row is marked. Network, timeout and
// non-tolerated status failures are logged and the local revocation proceeds. A session
// revoked locally but still alive upstream is the accepted failure mode. A management
// credential that cannot be obtained aborts the call before the local mark, as do
// storage failures.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"devicegate/internal/idp"
	"devicegate/internal/policy/engine"
	"devicegate/internal/session/domain"
	userdomain "devicegate/internal/user/domain"
)

const instrumentationName = "devicegate/session"

// Store is the subset of the session repository the coordinator mutates.
type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	FindActiveByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error)
	MarkRevoked(ctx context.Context, sessionID, reason string, byDeviceID *string) (bool, error)
	MarkRevokedForDevice(ctx context.Context, userID, deviceID, reason string, byDeviceID *string) (bool, error)
	MarkAllRevoked(ctx context.Context, userID, reason string) (int64, error)
}

// Gateway kills sessions at the IdP.
type Gateway interface {
	KillSession(ctx context.Context, externalSessionID string) (idp.Result, error)
	KillAllSessions(ctx context.Context, externalSubjectID string) (idp.Result, error)
}

// Authorizer answers ownership and administrator checks.
type Authorizer interface {
	Authorize(ctx context.Context, action string, caller engine.Caller, targetUserID string) (bool, error)
}

// Users resolves a user's IdP subject for kill-all.
type Users interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Coordinator orchestrates the three revocation operations. It holds no mutable state.
type Coordinator struct {
	store   Store
	gateway Gateway
	authz   Authorizer
	users   Users
	logger  *zap.Logger
	now     func() time.Time
	tracer  trace.Tracer
	revoked metric.Int64Counter
}

// NewCoordinator returns a Coordinator. A nil gateway disables IdP calls (local revocation only).
func NewCoordinator(store Store, gateway Gateway, authz Authorizer, users Users, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	revoked, err := otel.Meter(instrumentationName).Int64Counter("devicegate.revocations",
		metric.WithDescription("Sessions transitioned to revoked, by operation"))
	if err != nil {
		return nil, fmt.Errorf("revocation: counter: %w", err)
	}
	return &Coordinator{
		store:   store,
		gateway: gateway,
		authz:   authz,
		users:   users,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer(instrumentationName),
		revoked: revoked,
	}, nil
}

// RevokeOne revokes sessionID on behalf of actor, who must own it or be an administrator.
// It returns the revoked session, or nil when the session was already revoked (a no-op).
func (c *Coordinator) RevokeOne(ctx context.Context, actor domain.Actor, sessionID, reason string) (*domain.Session, error) {
	if err := domain.ValidateID("session_id", sessionID); err != nil {
		return nil, err
	}
	if err := validateActorAndReason(actor, reason); err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(ctx, "revocation.RevokeOne", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	s, err := c.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	span.SetAttributes(attribute.String("user_id", s.UserID))
	if err := c.authorize(ctx, engine.ActionRevokeSession, actor, s.UserID); err != nil {
		return nil, spanError(span, err)
	}
	if !s.IsActive() {
		return nil, nil
	}

	if s.ExternalSessionID != nil {
		if err := c.killSession(ctx, s); err != nil {
			return nil, spanError(span, err)
		}
	}
	changed, err := c.store.MarkRevoked(ctx, s.ID, reason, actor.DeviceID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !changed {
		// Revoked concurrently between the lookup and the update.
		return nil, nil
	}
	s.Revoke(reason, actor.DeviceID, c.now())
	c.count(ctx, "revoke_one", 1)
	return s, nil
}

// RevokeByDevice revokes the active session of deviceID for userID, if any. Caller and target
// share userID by construction, so there is no ownership check. It returns the revoked
// session, or nil if the device held no active session.
func (c *Coordinator) RevokeByDevice(ctx context.Context, userID, deviceID, reason string, actingDeviceID *string) (*domain.Session, error) {
	if err := domain.ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := domain.ValidateID("device_id", deviceID); err != nil {
		return nil, err
	}
	if err := domain.ValidateOptionalID("acting_device_id", actingDeviceID); err != nil {
		return nil, err
	}
	if err := domain.ValidateReason(reason); err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(ctx, "revocation.RevokeByDevice", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	s, err := c.store.FindActiveByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if s == nil {
		return nil, nil
	}
	if s.ExternalSessionID != nil {
		if err := c.killSession(ctx, s); err != nil {
			return nil, spanError(span, err)
		}
	}
	changed, err := c.store.MarkRevokedForDevice(ctx, userID, deviceID, reason, actingDeviceID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !changed {
		return nil, nil
	}
	s.Revoke(reason, actingDeviceID, c.now())
	c.count(ctx, "revoke_by_device", 1)
	return s, nil
}

// RevokeAll kills every IdP session of the user with one call, then marks every locally
// active row revoked. actor must be the user or an administrator. Returns the number of
// rows revoked; zero is not an error.
func (c *Coordinator) RevokeAll(ctx context.Context, actor domain.Actor, userID, reason string) (int64, error) {
	if err := domain.ValidateID("user_id", userID); err != nil {
		return 0, err
	}
	if err := validateActorAndReason(actor, reason); err != nil {
		return 0, err
	}
	ctx, span := c.tracer.Start(ctx, "revocation.RevokeAll", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if err := c.authorize(ctx, engine.ActionRevokeAll, actor, userID); err != nil {
		return 0, spanError(span, err)
	}
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return 0, spanError(span, err)
	}
	if u == nil {
		return 0, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}

	if err := c.killAll(ctx, u); err != nil {
		return 0, spanError(span, err)
	}
	n, err := c.store.MarkAllRevoked(ctx, userID, reason)
	if err != nil {
		return 0, spanError(span, err)
	}
	span.SetAttributes(attribute.Int64("revoked_count", n))
	c.count(ctx, "revoke_all", n)
	return n, nil
}

func (c *Coordinator) authorize(ctx context.Context, action string, actor domain.Actor, targetUserID string) error {
	allowed, err := c.authz.Authorize(ctx, action, engine.Caller{UserID: actor.UserID, Permissions: actor.Permissions}, targetUserID)
	if err != nil {
		return fmt.Errorf("%w: authorize %s: %w", domain.ErrInfrastructure, action, err)
	}
	if !allowed {
		return domain.ErrForbidden
	}
	return nil
}

func (c *Coordinator) killSession(ctx context.Context, s *domain.Session) error {
	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("external_session_id", *s.ExternalSessionID),
	}
	if c.gateway == nil {
		c.logger.Debug("revocation: idp gateway not configured, local revoke only", fields...)
		return nil
	}
	res, err := c.gateway.KillSession(ctx, *s.ExternalSessionID)
	return c.checkKill(res, err, fields)
}

func (c *Coordinator) killAll(ctx context.Context, u *userdomain.User) error {
	fields := []zap.Field{zap.String("user_id", u.ID), zap.String("external_subject_id", u.ExternalSubjectID)}
	if c.gateway == nil {
		c.logger.Debug("revocation: idp gateway not configured, local revoke only", fields...)
		return nil
	}
	res, err := c.gateway.KillAllSessions(ctx, u.ExternalSubjectID)
	return c.checkKill(res, err, fields)
}

// checkKill logs the kill outcome. Only a credential failure is returned; every other IdP
// failure lets the local revoke proceed.
func (c *Coordinator) checkKill(res idp.Result, err error, fields []zap.Field) error {
	fields = append(fields, zap.Int("status_code", res.StatusCode))
	switch {
	case errors.Is(err, idp.ErrCredential):
		c.logger.Error("revocation: idp credential unavailable, revocation aborted", append(fields, zap.Error(err))...)
		return fmt.Errorf("revocation: %w", err)
	case err != nil:
		c.logger.Warn("revocation: idp kill failed, revoking locally", append(fields, zap.Error(err))...)
	case res.AlreadyGone():
		c.logger.Debug("revocation: idp session already gone", fields...)
	default:
		c.logger.Debug("revocation: idp session killed", fields...)
	}
	return nil
}

func (c *Coordinator) count(ctx context.Context, op string, n int64) {
	if n > 0 {
		c.revoked.Add(ctx, n, metric.WithAttributes(attribute.String("op", op)))
	}
}

func validateActorAndReason(actor domain.Actor, reason string) error {
	if err := domain.ValidateOptionalID("acting_device_id", actor.DeviceID); err != nil {
		return err
	}
	return domain.ValidateReason(reason)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
