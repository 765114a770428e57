package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicegate/internal/settings/domain"
)

// MemoryRepository holds settings in process. Used when no database is configured and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	current domain.AppSettings
}

// NewMemoryRepository starts from defaults; Get returns them until the first Update.
func NewMemoryRepository(defaults domain.AppSettings) *MemoryRepository {
	return &MemoryRepository{current: defaults}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Get(ctx context.Context) (*domain.AppSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	return &s, nil
}

func (m *MemoryRepository) Update(ctx context.Context, maxDevices, inactivityDays int) (*domain.AppSettings, error) {
	if err := domain.Validate(maxDevices, inactivityDays); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if m.current.ID == "" {
		m.current.ID = uuid.NewString()
		m.current.CreatedAt = now
	}
	m.current.MaxDevices = maxDevices
	m.current.InactivityDays = inactivityDays
	m.current.UpdatedAt = now
	s := m.current
	return &s, nil
}
