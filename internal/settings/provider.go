// Package settings exposes the admission policy read by the session core.
package settings

import (
	"context"
	"time"

	"devicegate/internal/settings/domain"
	"devicegate/internal/settings/repository"
)

// Provider is the read side consumed by admission and the inactivity sweep.
// Values are read per call, never cached for the process lifetime.
type Provider interface {
	MaxDevices(ctx context.Context) (int, error)
	InactivityWindow(ctx context.Context) (time.Duration, error)
}

// Store reads and updates settings through a repository (optionally Redis-cached).
type Store struct {
	repo repository.Repository
}

// NewStore returns a Store backed by repo.
func NewStore(repo repository.Repository) *Store {
	return &Store{repo: repo}
}

var _ Provider = (*Store)(nil)

func (s *Store) MaxDevices(ctx context.Context) (int, error) {
	st, err := s.repo.Get(ctx)
	if err != nil {
		return 0, err
	}
	return st.MaxDevices, nil
}

func (s *Store) InactivityWindow(ctx context.Context) (time.Duration, error) {
	st, err := s.repo.Get(ctx)
	if err != nil {
		return 0, err
	}
	return st.InactivityWindow(), nil
}

// Get returns the current settings.
func (s *Store) Get(ctx context.Context) (*domain.AppSettings, error) {
	return s.repo.Get(ctx)
}

// Update validates and persists new settings.
func (s *Store) Update(ctx context.Context, maxDevices, inactivityDays int) (*domain.AppSettings, error) {
	if err := domain.Validate(maxDevices, inactivityDays); err != nil {
		return nil, err
	}
	return s.repo.Update(ctx, maxDevices, inactivityDays)
}

// Static is a fixed Provider. Used by tests.
type Static struct {
	Max    int
	Window time.Duration
	Err    error
}

func (s Static) MaxDevices(ctx context.Context) (int, error) {
	return s.Max, s.Err
}

func (s Static) InactivityWindow(ctx context.Context) (time.Duration, error) {
	return s.Window, s.Err
}
