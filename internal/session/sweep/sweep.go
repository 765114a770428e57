// Package sweep revokes sessions idle for longer than the configured inactivity window.
// It is local only: no IdP call is made for swept sessions.
package sweep

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"devicegate/internal/session/domain"
	"devicegate/internal/settings"
	"devicegate/internal/telemetry"
)

// IdleRevoker is the repository operation the sweep drives.
type IdleRevoker interface {
	MarkIdleRevoked(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// Sweeper periodically revokes idle sessions.
type Sweeper struct {
	sessions IdleRevoker
	settings settings.Provider
	events   telemetry.EventEmitter
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// New returns a Sweeper ticking every interval. events may be nil.
func New(sessions IdleRevoker, provider settings.Provider, events telemetry.EventEmitter, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		sessions: sessions,
		settings: provider,
		events:   events,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce revokes every active session whose last_seen is older than now minus the window.
// The window is read on every call.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	window, err := s.settings.InactivityWindow(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-window)
	n, err := s.sessions.MarkIdleRevoked(ctx, cutoff, domain.ReasonInactivity)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("sweep: revoked idle sessions", zap.Int64("count", n), zap.Time("cutoff", cutoff))
		telemetry.EmitAsync(ctx, s.events, &telemetry.SessionEvent{
			Type:     telemetry.EventExpired,
			Source:   "sweep",
			Reason:   domain.ReasonInactivity,
			Metadata: map[string]string{"revoked_count": strconv.FormatInt(n, 10), "cutoff": cutoff.Format(time.RFC3339)},
		}, s.logger)
	}
	return n, nil
}

// Run calls RunOnce every interval until ctx is done. Errors are logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("sweep: started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep: stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep: run failed", zap.Error(err))
			}
		}
	}
}
