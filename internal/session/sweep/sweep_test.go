package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"devicegate/internal/session/domain"
	"devicegate/internal/session/repository"
	"devicegate/internal/settings"
	"devicegate/internal/telemetry"
)

const userU = "0b1e4c6a-1111-4b7e-9a61-2f0b3c4d5e6f"

type captureEmitter struct {
	mu     sync.Mutex
	events []*telemetry.SessionEvent
}

func (c *captureEmitter) Emit(ctx context.Context, ev *telemetry.SessionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestRunOnce_RevokesOnlyIdleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := repository.NewMemoryRepository()
	stale, err := repo.UpsertActiveSession(ctx, repository.UpsertInput{UserID: userU, DeviceID: "aaaaaaaa-0000-4000-8000-000000000001", SeenAt: now.Add(-8 * 24 * time.Hour)})
	require.NoError(t, err)
	fresh, err := repo.UpsertActiveSession(ctx, repository.UpsertInput{UserID: userU, DeviceID: "bbbbbbbb-0000-4000-8000-000000000002", SeenAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	events := &captureEmitter{}
	s := New(repo, settings.Static{Max: 3, Window: 7 * 24 * time.Hour}, events, time.Minute, zaptest.NewLogger(t))
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := repo.GetByID(ctx, stale.ID)
	require.NotNil(t, got.Revocation)
	assert.Equal(t, domain.ReasonInactivity, got.Revocation.Reason)
	got, _ = repo.GetByID(ctx, fresh.ID)
	assert.True(t, got.IsActive())
	assert.Eventually(t, func() bool { return events.count() == 1 }, time.Second, 5*time.Millisecond)

	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep finds nothing")
}

func TestRunOnce_SettingsError(t *testing.T) {
	s := New(repository.NewMemoryRepository(), settings.Static{Err: errors.New("db down")}, nil, time.Minute, nil)
	_, err := s.RunOnce(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestRun_DisabledIntervalReturns(t *testing.T) {
	s := New(repository.NewMemoryRepository(), settings.Static{Window: time.Hour}, nil, 0, nil)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return immediately")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(repository.NewMemoryRepository(), settings.Static{Window: time.Hour}, nil, 5*time.Millisecond, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
