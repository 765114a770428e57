package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicegate/internal/user/domain"
)

// MemoryRepository is an in-process user store for tests.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

// NewMemoryRepository returns an empty in-memory user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*domain.User)}
}

var _ Repository = (*MemoryRepository)(nil)

// Put stores a copy of u. Used to seed fixtures.
func (m *MemoryRepository) Put(u *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	m.users[u.ID] = &c
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (m *MemoryRepository) GetByExternalID(ctx context.Context, externalSubjectID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.byExternalLocked(externalSubjectID); u != nil {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (m *MemoryRepository) EnsureByExternalID(ctx context.Context, externalSubjectID string, p domain.Profile) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	u := m.byExternalLocked(externalSubjectID)
	if u == nil {
		u = &domain.User{ID: uuid.New().String(), ExternalSubjectID: externalSubjectID, CreatedAt: now}
		if err := u.Validate(); err != nil {
			return nil, err
		}
		m.users[u.ID] = u
	}
	u.Apply(p)
	u.UpdatedAt = now
	c := *u
	return &c, nil
}

func (m *MemoryRepository) byExternalLocked(externalSubjectID string) *domain.User {
	for _, u := range m.users {
		if u.ExternalSubjectID == externalSubjectID {
			return u
		}
	}
	return nil
}
