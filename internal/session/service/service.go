// Package service exposes the caller-facing session operations used by the HTTP handlers and the admin CLI.
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"devicegate/internal/policy/engine"
	"devicegate/internal/session/admission"
	"devicegate/internal/session/domain"
	"devicegate/internal/settings"
	settingsdomain "devicegate/internal/settings/domain"
	"devicegate/internal/telemetry"
)

// maxExternalSessionIDLen bounds the IdP session id accepted from clients.
const maxExternalSessionIDLen = 256

// SessionRepo is the minimal read side of the session repository needed by the service.
type SessionRepo interface {
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
	ListAll(ctx context.Context, userID string) ([]*domain.Session, error)
	FindLatestByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error)
}

// Revoker is implemented by the revocation coordinator.
type Revoker interface {
	RevokeOne(ctx context.Context, actor domain.Actor, sessionID, reason string) (*domain.Session, error)
	RevokeByDevice(ctx context.Context, userID, deviceID, reason string, actingDeviceID *string) (*domain.Session, error)
	RevokeAll(ctx context.Context, actor domain.Actor, userID, reason string) (int64, error)
}

// SettingsStore reads the admission policy and lets administrators change it.
type SettingsStore interface {
	settings.Provider
	Get(ctx context.Context) (*settingsdomain.AppSettings, error)
	Update(ctx context.Context, maxDevices, inactivityDays int) (*settingsdomain.AppSettings, error)
}

// Authorizer answers ownership and administrator checks.
type Authorizer interface {
	Authorize(ctx context.Context, action string, caller engine.Caller, targetUserID string) (bool, error)
}

// AdmitInput is one authenticated visit of a device.
type AdmitInput struct {
	UserID            string
	DeviceID          string
	ExternalSessionID *string
	Attributes        domain.DeviceAttributes
}

// AdmitResult is the outcome of AdmitOrRenew. A denial is a result, not an error: Admitted is
// false and Active lists the sessions the caller may revoke to free a slot.
type AdmitResult struct {
	Admitted    bool
	Renewal     bool
	ActiveCount int
	MaxDevices  int
	Session     *domain.Session
	Active      []*domain.Session
}

// SessionService implements admitOrRenew, the three revocations, listing and settings administration.
type SessionService struct {
	sessions   SessionRepo
	admitter   admission.Admitter
	revoker    Revoker
	settings   SettingsStore
	authz      Authorizer
	events     telemetry.EventEmitter
	logger     *zap.Logger
	source     string
	tracer     trace.Tracer
	admissions metric.Int64Counter
}

// NewSessionService returns a SessionService with the given dependencies. events may be nil.
// source labels emitted events (e.g. "api", "cli").
func NewSessionService(
	sessions SessionRepo,
	admitter admission.Admitter,
	revoker Revoker,
	settingsStore SettingsStore,
	authz Authorizer,
	events telemetry.EventEmitter,
	logger *zap.Logger,
	source string,
) (*SessionService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	admissions, err := otel.Meter("devicegate/session").Int64Counter("devicegate.admissions",
		metric.WithDescription("Admission decisions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("service: counter: %w", err)
	}
	return &SessionService{
		sessions:   sessions,
		admitter:   admitter,
		revoker:    revoker,
		settings:   settingsStore,
		authz:      authz,
		events:     events,
		logger:     logger,
		source:     source,
		tracer:     otel.Tracer("devicegate/session"),
		admissions: admissions,
	}, nil
}

// AdmitOrRenew renews the device's active session, or admits a new device while the user
// holds fewer than the configured maximum. The limit is read per call.
func (s *SessionService) AdmitOrRenew(ctx context.Context, in AdmitInput) (*AdmitResult, error) {
	if err := domain.ValidateID("user_id", in.UserID); err != nil {
		return nil, err
	}
	if err := domain.ValidateID("device_id", in.DeviceID); err != nil {
		return nil, err
	}
	ext, err := normalizeExternalID(in.ExternalSessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "session.AdmitOrRenew", trace.WithAttributes(attribute.String("user_id", in.UserID)))
	defer span.End()

	maxDevices, err := s.settings.MaxDevices(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out, err := s.admitter.Admit(ctx, admission.Request{
		UserID:            in.UserID,
		DeviceID:          in.DeviceID,
		ExternalSessionID: ext,
		Attributes:        in.Attributes,
	}, maxDevices)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &AdmitResult{
		Admitted:    out.Admitted,
		Renewal:     out.Renewal,
		ActiveCount: out.ActiveCount,
		MaxDevices:  maxDevices,
		Session:     out.Session,
		Active:      out.Active,
	}
	outcome, eventType := "admitted", telemetry.EventAdmitted
	switch {
	case !res.Admitted:
		outcome, eventType = "denied", telemetry.EventAdmissionDenied
	case res.Renewal:
		outcome, eventType = "renewed", telemetry.EventRenewed
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("active_count", res.ActiveCount))
	s.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	ev := &telemetry.SessionEvent{
		Type:     eventType,
		UserID:   in.UserID,
		DeviceID: in.DeviceID,
		Metadata: map[string]string{
			"active_count": strconv.Itoa(res.ActiveCount),
			"max_devices":  strconv.Itoa(maxDevices),
		},
	}
	if res.Session != nil {
		ev.SessionID = res.Session.ID
	}
	s.emit(ctx, ev)
	if !res.Admitted {
		s.logger.Info("session: device limit reached",
			zap.String("user_id", in.UserID), zap.String("device_id", in.DeviceID),
			zap.Int("active_count", res.ActiveCount), zap.Int("max_devices", maxDevices))
	}
	return res, nil
}

// ListSessions returns the sessions of userID, newest lastSeen first. actor must be the user or an administrator.
func (s *SessionService) ListSessions(ctx context.Context, actor domain.Actor, userID string, activeOnly bool) ([]*domain.Session, error) {
	if err := domain.ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, engine.ActionListSessions, actor, userID); err != nil {
		return nil, err
	}
	if activeOnly {
		return s.sessions.ListActive(ctx, userID)
	}
	return s.sessions.ListAll(ctx, userID)
}

// CurrentSession returns the newest session row for the device, active or revoked.
// Returns domain.ErrNotFound when the device never held a session.
func (s *SessionService) CurrentSession(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	if err := domain.ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := domain.ValidateID("device_id", deviceID); err != nil {
		return nil, err
	}
	sess, err := s.sessions.FindLatestByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

// RevokeOne revokes one session. Revoking an already revoked session succeeds without effect.
func (s *SessionService) RevokeOne(ctx context.Context, actor domain.Actor, sessionID, reason string) error {
	sess, err := s.revoker.RevokeOne(ctx, actor, sessionID, reason)
	if err != nil {
		return err
	}
	s.emitRevoked(ctx, sess)
	return nil
}

// RevokeByDevice revokes the caller's active session on deviceID, if any.
func (s *SessionService) RevokeByDevice(ctx context.Context, userID, deviceID, reason string, actingDeviceID *string) error {
	sess, err := s.revoker.RevokeByDevice(ctx, userID, deviceID, reason, actingDeviceID)
	if err != nil {
		return err
	}
	s.emitRevoked(ctx, sess)
	return nil
}

// Logout revokes the caller's own device session with reason logout and no acting device.
func (s *SessionService) Logout(ctx context.Context, userID, deviceID string) error {
	return s.RevokeByDevice(ctx, userID, deviceID, domain.ReasonLogout, nil)
}

// RevokeAll revokes every active session of userID and returns how many rows changed.
func (s *SessionService) RevokeAll(ctx context.Context, actor domain.Actor, userID, reason string) (int64, error) {
	n, err := s.revoker.RevokeAll(ctx, actor, userID, reason)
	if err != nil {
		return 0, err
	}
	s.emit(ctx, &telemetry.SessionEvent{
		Type:     telemetry.EventRevokedAll,
		UserID:   userID,
		Reason:   reason,
		Metadata: map[string]string{"revoked_count": strconv.FormatInt(n, 10)},
	})
	return n, nil
}

// Settings returns the current admission policy. Administrators only.
func (s *SessionService) Settings(ctx context.Context, actor domain.Actor) (*settingsdomain.AppSettings, error) {
	if err := s.authorize(ctx, engine.ActionManageSettings, actor, ""); err != nil {
		return nil, err
	}
	return s.settings.Get(ctx)
}

// UpdateSettings changes the admission policy. Administrators only.
func (s *SessionService) UpdateSettings(ctx context.Context, actor domain.Actor, maxDevices, inactivityDays int) (*settingsdomain.AppSettings, error) {
	if err := s.authorize(ctx, engine.ActionManageSettings, actor, ""); err != nil {
		return nil, err
	}
	updated, err := s.settings.Update(ctx, maxDevices, inactivityDays)
	if err != nil {
		return nil, err
	}
	s.logger.Info("settings: updated",
		zap.String("actor_user_id", actor.UserID),
		zap.Int("max_devices", updated.MaxDevices),
		zap.Int("inactivity_days", updated.InactivityDays))
	return updated, nil
}

// AuthorizeAdmin returns ErrForbidden unless actor holds the administrator permission.
func (s *SessionService) AuthorizeAdmin(ctx context.Context, actor domain.Actor) error {
	return s.authorize(ctx, engine.ActionAdminAccess, actor, "")
}

func (s *SessionService) authorize(ctx context.Context, action string, actor domain.Actor, targetUserID string) error {
	allowed, err := s.authz.Authorize(ctx, action, engine.Caller{UserID: actor.UserID, Permissions: actor.Permissions}, targetUserID)
	if err != nil {
		return fmt.Errorf("%w: authorize %s: %w", domain.ErrInfrastructure, action, err)
	}
	if !allowed {
		return domain.ErrForbidden
	}
	return nil
}

func (s *SessionService) emitRevoked(ctx context.Context, sess *domain.Session) {
	if sess == nil || sess.Revocation == nil {
		return
	}
	ev := &telemetry.SessionEvent{
		Type:      telemetry.EventRevoked,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		Reason:    sess.Revocation.Reason,
	}
	if by := sess.Revocation.ByDeviceID; by != nil {
		ev.Metadata = map[string]string{"acting_device_id": *by}
	}
	s.emit(ctx, ev)
}

func (s *SessionService) emit(ctx context.Context, ev *telemetry.SessionEvent) {
	if s.events == nil {
		return
	}
	ev.Source = s.source
	telemetry.EmitAsync(ctx, s.events, ev, s.logger)
}

func normalizeExternalID(ext *string) (*string, error) {
	if ext == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*ext)
	if v == "" {
		return nil, nil
	}
	if len(v) > maxExternalSessionIDLen {
		return nil, &domain.ValidationError{Field: "external_session_id", Reason: "is too long"}
	}
	return &v, nil
}
