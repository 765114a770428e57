// Package admission decides whether a device may hold one of a user's bounded session slots.
package admission

import (
	"context"

	"devicegate/internal/session/domain"
	"devicegate/internal/session/repository"
)

// Request is one admitted-or-renewed visit of a device.
type Request struct {
	UserID            string
	DeviceID          string
	ExternalSessionID *string
	Attributes        domain.DeviceAttributes
}

// Decision is the read-only result of CheckAdmission. ActiveCount is the count observed.
type Decision struct {
	Admitted    bool
	Renewal     bool
	ActiveCount int
	Active      []*domain.Session
}

// Outcome is the result of Admit. ActiveCount is the count after the operation, so a denial
// reports the unchanged count. Active lists the user's active sessions for remediation on denial.
type Outcome struct {
	Admitted    bool
	Renewal     bool
	ActiveCount int
	Session     *domain.Session
	Active      []*domain.Session
}

// Admitter admits a device and persists its session.
type Admitter interface {
	Admit(ctx context.Context, req Request, maxDevices int) (Outcome, error)
}

// SessionLister is the read side the controller depends on.
type SessionLister interface {
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
}

// Controller implements the device admission check.
type Controller struct {
	sessions SessionLister
}

// NewController returns a Controller reading active sessions from sessions.
func NewController(sessions SessionLister) *Controller {
	return &Controller{sessions: sessions}
}

// CheckAdmission admits a device that already holds an active session unconditionally,
// and a new device only while fewer than maxDevices sessions are active.
func (c *Controller) CheckAdmission(ctx context.Context, userID, deviceID string, maxDevices int) (Decision, error) {
	active, err := c.sessions.ListActive(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{ActiveCount: len(active), Active: active}
	for _, s := range active {
		if s.DeviceID == deviceID {
			d.Admitted, d.Renewal = true, true
			return d, nil
		}
	}
	d.Admitted = len(active) < maxDevices
	return d, nil
}

// Advisory checks then upserts as two separate operations. Two new devices admitted
// concurrently at the boundary can both pass the check, exceeding the limit by at most
// the degree of concurrency.
type Advisory struct {
	controller *Controller
	sessions   repository.Repository
}

// NewAdvisory returns the read-then-upsert admitter.
func NewAdvisory(sessions repository.Repository) *Advisory {
	return &Advisory{controller: NewController(sessions), sessions: sessions}
}

func (a *Advisory) Admit(ctx context.Context, req Request, maxDevices int) (Outcome, error) {
	d, err := a.controller.CheckAdmission(ctx, req.UserID, req.DeviceID, maxDevices)
	if err != nil {
		return Outcome{}, err
	}
	if !d.Admitted {
		return Outcome{ActiveCount: d.ActiveCount, Active: d.Active}, nil
	}
	s, err := a.sessions.UpsertActiveSession(ctx, upsertInput(req))
	if err != nil {
		return Outcome{}, err
	}
	count := d.ActiveCount
	if !d.Renewal {
		count++
	}
	return Outcome{Admitted: true, Renewal: d.Renewal, ActiveCount: count, Session: s}, nil
}

// Strict counts and inserts in one storage transaction, so the limit is never exceeded.
type Strict struct {
	sessions repository.Repository
}

// NewStrict returns the transactional count-and-insert admitter.
func NewStrict(sessions repository.Repository) *Strict {
	return &Strict{sessions: sessions}
}

func (s *Strict) Admit(ctx context.Context, req Request, maxDevices int) (Outcome, error) {
	res, err := s.sessions.UpsertActiveSessionWithinLimit(ctx, upsertInput(req), maxDevices)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Admitted: res.Admitted, Renewal: res.Renewal, ActiveCount: res.ActiveCount, Session: res.Session}
	if !res.Admitted {
		active, err := s.sessions.ListActive(ctx, req.UserID)
		if err != nil {
			return Outcome{}, err
		}
		out.Active = active
	}
	return out, nil
}

func upsertInput(req Request) repository.UpsertInput {
	return repository.UpsertInput{
		UserID:            req.UserID,
		DeviceID:          req.DeviceID,
		ExternalSessionID: req.ExternalSessionID,
		Attributes:        req.Attributes,
	}
}
