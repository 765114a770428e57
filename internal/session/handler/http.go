// Package handler serves the session API over HTTP (chi).
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"devicegate/internal/server/interceptors"
	"devicegate/internal/session/domain"
	"devicegate/internal/session/service"
	settingsdomain "devicegate/internal/settings/domain"
)

const maxBodyBytes = 1 << 20

// SessionAPI is the service surface used by the handlers.
type SessionAPI interface {
	AdmitOrRenew(ctx context.Context, in service.AdmitInput) (*service.AdmitResult, error)
	ListSessions(ctx context.Context, actor domain.Actor, userID string, activeOnly bool) ([]*domain.Session, error)
	CurrentSession(ctx context.Context, userID, deviceID string) (*domain.Session, error)
	RevokeOne(ctx context.Context, actor domain.Actor, sessionID, reason string) error
	RevokeByDevice(ctx context.Context, userID, deviceID, reason string, actingDeviceID *string) error
	Logout(ctx context.Context, userID, deviceID string) error
	RevokeAll(ctx context.Context, actor domain.Actor, userID, reason string) (int64, error)
	Settings(ctx context.Context, actor domain.Actor) (*settingsdomain.AppSettings, error)
	UpdateSettings(ctx context.Context, actor domain.Actor, maxDevices, inactivityDays int) (*settingsdomain.AppSettings, error)
	AuthorizeAdmin(ctx context.Context, actor domain.Actor) error
}

// Handler implements the /v1 session routes. Authentication and the device cookie are
// applied by the router middleware before these handlers run.
type Handler struct {
	svc         SessionAPI
	clearDevice func(http.ResponseWriter)
	logger      *zap.Logger
}

// NewHandler returns a Handler. clearDevice expires the device cookie on logout; nil skips it.
func NewHandler(svc SessionAPI, clearDevice func(http.ResponseWriter), logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clearDevice == nil {
		clearDevice = func(http.ResponseWriter) {}
	}
	return &Handler{svc: svc, clearDevice: clearDevice, logger: logger}
}

// Mount registers the routes on r (expected to be the authenticated /v1 subrouter).
func (h *Handler) Mount(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.listOwn)
		r.Post("/admit", h.admit)
		r.Get("/current", h.current)
		r.Post("/revoke-device", h.revokeDevice)
		r.Post("/revoke-all", h.revokeAllOwn)
		r.Post("/logout", h.logout)
		r.Post("/{sessionID}/revoke", h.revokeOwn)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/users/{userID}/sessions", h.listForUser)
		r.Post("/users/{userID}/revoke-all", h.revokeAllForUser)
		r.Post("/sessions/{sessionID}/revoke", h.revokeAsAdmin)
		r.Get("/settings", h.getSettings)
		r.Put("/settings", h.putSettings)
	})
}

type admitRequest struct {
	ExternalSessionID *string `json:"externalSessionId"`
}

type admitResponse struct {
	Session     sessionJSON `json:"session"`
	ActiveCount int         `json:"activeCount"`
	MaxDevices  int         `json:"maxDevices"`
	Renewal     bool        `json:"renewal"`
}

type limitResponse struct {
	Error       string        `json:"error"`
	Message     string        `json:"message"`
	ActiveCount int           `json:"activeCount"`
	MaxDevices  int           `json:"maxDevices"`
	Sessions    []sessionJSON `json:"sessions"`
}

func (h *Handler) admit(w http.ResponseWriter, r *http.Request) {
	id, deviceID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req admitRequest
	if !h.decode(w, r, &req) {
		return
	}
	ext := req.ExternalSessionID
	if ext == nil && id.ExternalSessionID != "" {
		sid := id.ExternalSessionID
		ext = &sid
	}
	res, err := h.svc.AdmitOrRenew(r.Context(), service.AdmitInput{
		UserID:            id.UserID,
		DeviceID:          deviceID,
		ExternalSessionID: ext,
		Attributes:        interceptors.GetClientInfo(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !res.Admitted {
		writeJSON(w, http.StatusConflict, limitResponse{
			Error:       "device_limit_exceeded",
			Message:     "maximum number of active devices reached; revoke a session to continue",
			ActiveCount: res.ActiveCount,
			MaxDevices:  res.MaxDevices,
			Sessions:    toSessionsJSON(res.Active, deviceID),
		})
		return
	}
	writeJSON(w, http.StatusOK, admitResponse{
		Session:     toSessionJSON(res.Session, deviceID),
		ActiveCount: res.ActiveCount,
		MaxDevices:  res.MaxDevices,
		Renewal:     res.Renewal,
	})
}

func (h *Handler) listOwn(w http.ResponseWriter, r *http.Request) {
	id, deviceID, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.list(w, r, id.UserID, deviceID)
}

func (h *Handler) listForUser(w http.ResponseWriter, r *http.Request) {
	_, deviceID, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.list(w, r, chi.URLParam(r, "userID"), deviceID)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, userID, deviceID string) {
	activeOnly := true
	switch r.URL.Query().Get("scope") {
	case "", "active":
	case "all":
		activeOnly = false
	default:
		h.writeError(w, &domain.ValidationError{Field: "scope", Reason: "must be active or all"})
		return
	}
	actor, _ := interceptors.Actor(r.Context())
	sessions, err := h.svc.ListSessions(r.Context(), actor, userID, activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": toSessionsJSON(sessions, deviceID)})
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	id, deviceID, ok := h.caller(w, r)
	if !ok {
		return
	}
	s, err := h.svc.CurrentSession(r.Context(), id.UserID, deviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionJSON(s, deviceID)})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// requireAdmin rejects callers without the administrator permission before any /admin handler runs.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := h.caller(w, r); !ok {
			return
		}
		actor, _ := interceptors.Actor(r.Context())
		if err := h.svc.AuthorizeAdmin(r.Context(), actor); err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) revokeOwn(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.revokeOne(w, r, reasonOr(req.Reason, domain.ReasonUserRevoked))
}

// revokeAsAdmin always records admin_revoked; a body reason is ignored.
func (h *Handler) revokeAsAdmin(w http.ResponseWriter, r *http.Request) {
	h.revokeOne(w, r, domain.ReasonAdminRevoked)
}

func (h *Handler) revokeOne(w http.ResponseWriter, r *http.Request, reason string) {
	actor, _ := interceptors.Actor(r.Context())
	if err := h.svc.RevokeOne(r.Context(), actor, chi.URLParam(r, "sessionID"), reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	id, deviceID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req revokeDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	acting := deviceID
	if err := h.svc.RevokeByDevice(r.Context(), id.UserID, req.DeviceID, reasonOr(req.Reason, domain.ReasonUserRevoked), &acting); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeAllOwn(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.revokeAll(w, r, id.UserID, domain.ReasonUserRevokedAll)
}

func (h *Handler) revokeAllForUser(w http.ResponseWriter, r *http.Request) {
	h.revokeAll(w, r, chi.URLParam(r, "userID"), domain.ReasonAdminRevokedAll)
}

func (h *Handler) revokeAll(w http.ResponseWriter, r *http.Request, userID, reason string) {
	actor, _ := interceptors.Actor(r.Context())
	n, err := h.svc.RevokeAll(r.Context(), actor, userID, reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revokedCount": n})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	id, deviceID, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), id.UserID, deviceID); err != nil {
		h.writeError(w, err)
		return
	}
	h.clearDevice(w)
	w.WriteHeader(http.StatusNoContent)
}

type settingsJSON struct {
	MaxDevices     int        `json:"maxDevices"`
	InactivityDays int        `json:"inactivityDays"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

func toSettingsJSON(s *settingsdomain.AppSettings) settingsJSON {
	out := settingsJSON{MaxDevices: s.MaxDevices, InactivityDays: s.InactivityDays}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	actor, _ := interceptors.Actor(r.Context())
	st, err := h.svc.Settings(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsJSON(st))
}

type updateSettingsRequest struct {
	MaxDevices     *int `json:"maxDevices"`
	InactivityDays *int `json:"inactivityDays"`
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.caller(w, r); !ok {
		return
	}
	var req updateSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MaxDevices == nil || req.InactivityDays == nil {
		h.writeError(w, &domain.ValidationError{Field: "settings", Reason: "maxDevices and inactivityDays are required"})
		return
	}
	actor, _ := interceptors.Actor(r.Context())
	st, err := h.svc.UpdateSettings(r.Context(), actor, *req.MaxDevices, *req.InactivityDays)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsJSON(st))
}

// caller returns the authenticated identity and the request's device id, writing 401 when absent.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (interceptors.Identity, string, bool) {
	id, ok := interceptors.GetIdentity(r.Context())
	if !ok || id.UserID == "" {
		h.writeError(w, domain.ErrUnauthenticated)
		return interceptors.Identity{}, "", false
	}
	deviceID, _ := interceptors.GetDeviceID(r.Context())
	return id, deviceID, true
}

// decode reads an optional JSON body into v. An empty body leaves v unchanged.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed JSON"})
		return false
	}
	return true
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
