// Package handler reports readiness over the standard gRPC health protocol and HTTP.
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the overall ("") status.
const ServiceName = "devicegate.v1.SessionService"

// Pinger is used for readiness (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is used for readiness (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Monitor checks dependencies periodically and publishes the result to a grpc health server.
type Monitor struct {
	pinger  Pinger
	policy  PolicyChecker
	server  *health.Server
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	serving  bool
	shutdown bool
}

// NewMonitor returns a Monitor. nil pinger or policy skips that check. Status starts NOT_SERVING
// until the first Check.
func NewMonitor(pinger Pinger, policy PolicyChecker, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{pinger: pinger, policy: policy, server: health.NewServer(), logger: logger, timeout: 2 * time.Second}
	m.set(false)
	return m
}

// Server returns the grpc health server to register with grpc_health_v1.RegisterHealthServer.
func (m *Monitor) Server() *health.Server {
	return m.server
}

// Check runs every dependency check once and updates the published status.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ok := true
	if m.pinger != nil {
		if err := m.pinger.PingContext(ctx); err != nil {
			m.logger.Warn("health: database ping failed", zap.Error(err))
			ok = false
		}
	}
	if m.policy != nil {
		if err := m.policy.HealthCheck(ctx); err != nil {
			m.logger.Warn("health: policy check failed", zap.Error(err))
			ok = false
		}
	}
	m.set(ok)
	return ok
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so load balancers drain before the listener stops.
// Later checks no longer change the status.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	m.serving = false
	m.shutdown = true
	m.mu.Unlock()
	m.server.Shutdown()
}

// ServeHTTP answers 200 while serving and 503 otherwise.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	serving := m.serving
	m.mu.RUnlock()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !serving {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (m *Monitor) set(ok bool) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.serving = ok
	m.mu.Unlock()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.server.SetServingStatus("", status)
	m.server.SetServingStatus(ServiceName, status)
}
