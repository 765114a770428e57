package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicegate/internal/session/domain"
)

// MemoryRepository keeps sessions in process. It enforces the same one-active-row
// invariant as the partial unique index by holding its mutex across find-and-write.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*domain.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*MemoryRepository)(nil)

// SetClock replaces the time source. Used by tests.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put stores a copy of s as-is, bypassing the upsert path. Used to seed fixtures.
func (m *MemoryRepository) Put(s *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone(), nil
}

func (m *MemoryRepository) FindActiveByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(userID, deviceID).Clone(), nil
}

func (m *MemoryRepository) FindLatestByUserAndDevice(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.DeviceID != deviceID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest.Clone(), nil
}

func (m *MemoryRepository) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	return m.list(userID, true), nil
}

func (m *MemoryRepository) ListAll(ctx context.Context, userID string) ([]*domain.Session, error) {
	return m.list(userID, false), nil
}

func (m *MemoryRepository) UpsertActiveSession(ctx context.Context, in UpsertInput) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(in).Clone(), nil
}

func (m *MemoryRepository) UpsertActiveSessionWithinLimit(ctx context.Context, in UpsertInput, maxDevices int) (LimitedUpsert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.countActiveLocked(in.UserID)
	renewal := m.activeLocked(in.UserID, in.DeviceID) != nil
	if !renewal && active >= maxDevices {
		return LimitedUpsert{Admitted: false, ActiveCount: active}, nil
	}
	s := m.upsertLocked(in)
	if !renewal {
		active++
	}
	return LimitedUpsert{Session: s.Clone(), Admitted: true, Renewal: renewal, ActiveCount: active}, nil
}

func (m *MemoryRepository) MarkRevoked(ctx context.Context, sessionID, reason string, byDeviceID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return s.Revoke(reason, byDeviceID, m.now()), nil
}

func (m *MemoryRepository) MarkRevokedForDevice(ctx context.Context, userID, deviceID, reason string, byDeviceID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.activeLocked(userID, deviceID)
	if s == nil {
		return false, nil
	}
	return s.Revoke(reason, byDeviceID, m.now()), nil
}

func (m *MemoryRepository) MarkAllRevoked(ctx context.Context, userID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Revoke(reason, nil, now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) MarkIdleRevoked(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, s := range m.sessions {
		if s.IsActive() && s.LastSeen.Before(cutoff) && s.Revoke(reason, nil, now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) upsertLocked(in UpsertInput) *domain.Session {
	seen := in.SeenAt
	if seen.IsZero() {
		seen = m.now()
	}
	if s := m.activeLocked(in.UserID, in.DeviceID); s != nil {
		if in.ExternalSessionID != nil {
			ext := *in.ExternalSessionID
			s.ExternalSessionID = &ext
		}
		s.Attributes = in.Attributes
		s.LastSeen = seen
		return s
	}
	s := &domain.Session{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		DeviceID:   in.DeviceID,
		Attributes: in.Attributes,
		LastSeen:   seen,
		CreatedAt:  seen,
	}
	if in.ExternalSessionID != nil {
		ext := *in.ExternalSessionID
		s.ExternalSessionID = &ext
	}
	m.sessions[s.ID] = s
	return s
}

func (m *MemoryRepository) activeLocked(userID, deviceID string) *domain.Session {
	for _, s := range m.sessions {
		if s.UserID == userID && s.DeviceID == deviceID && s.IsActive() {
			return s
		}
	}
	return nil
}

func (m *MemoryRepository) countActiveLocked(userID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive() {
			n++
		}
	}
	return n
}

func (m *MemoryRepository) list(userID string, activeOnly bool) []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.UserID != userID || (activeOnly && !s.IsActive()) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}
