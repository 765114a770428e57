// Package app assembles the session core from configuration. The server, the worker and the
// admin CLI share it so every entry point runs the same admission and revocation stack.
package app

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"

	"devicegate/internal/config"
	"devicegate/internal/db"
	"devicegate/internal/idp"
	"devicegate/internal/policy/engine"
	"devicegate/internal/session/admission"
	"devicegate/internal/session/repository"
	"devicegate/internal/session/revocation"
	"devicegate/internal/session/service"
	"devicegate/internal/settings"
	settingsdomain "devicegate/internal/settings/domain"
	settingsrepo "devicegate/internal/settings/repository"
	"devicegate/internal/telemetry"
	telemetryotel "devicegate/internal/telemetry/otel"
	"devicegate/internal/telemetry/producer"
	userrepo "devicegate/internal/user/repository"
)

// Options adjusts how the core is built.
type Options struct {
	// Source labels emitted session events ("api", "cli").
	Source string
	// LoggerProvider, when set, mirrors session events as OTel log records.
	LoggerProvider *sdklog.LoggerProvider
}

// App is the assembled session core.
type App struct {
	DB        *sql.DB // nil when running on in-memory storage
	Sessions  repository.Repository
	Users     userrepo.Repository
	Settings  *settings.Store
	Evaluator *engine.OPAEvaluator
	// Gateway is nil when the IdP management API is not configured.
	Gateway     *idp.Gateway
	Coordinator *revocation.Coordinator
	Service     *service.SessionService
	Events      telemetry.EventEmitter

	closers []func() error
}

// New builds the core for cfg. An empty DATABASE_URL selects in-memory storage, which suits
// local development and tests but does not share state between instances.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	defaults := settingsdomain.Defaults(cfg.DefaultMaxDevices, cfg.InactivityWindowDefault())
	var settingsRepo settingsrepo.Repository
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: database: %w", err)
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		a.Sessions = repository.NewPostgresRepository(conn)
		a.Users = userrepo.NewPostgresRepository(conn)
		settingsRepo = settingsrepo.NewPostgresRepository(conn, defaults)
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory storage")
		a.Sessions = repository.NewMemoryRepository()
		a.Users = userrepo.NewMemoryRepository()
		settingsRepo = settingsrepo.NewMemoryRepository(defaults)
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rdb.Close)
		settingsRepo = settingsrepo.NewRedisCache(rdb, settingsRepo, cfg.SettingsTTL(), logger.Named("settings"))
	}
	a.Settings = settings.NewStore(settingsRepo)

	evaluator, err := engine.NewOPAEvaluator(cfg.AuthAdminPermission)
	if err != nil {
		return nil, fmt.Errorf("app: policy: %w", err)
	}
	a.Evaluator = evaluator

	var gateway revocation.Gateway
	if base := cfg.IdPBase(); base != "" && cfg.IdPClientID != "" {
		g, err := idp.New(idp.Config{
			BaseURL:       base,
			ClientID:      cfg.IdPClientID,
			ClientSecret:  cfg.IdPClientSecret,
			Audience:      cfg.IdPAudienceOrDefault(),
			Timeout:       cfg.IdPCallTimeout(),
			RefreshMargin: cfg.IdPRefreshMargin(),
			FetchAttempts: cfg.IdPTokenFetchAttempts,
		}, logger.Named("idp"))
		if err != nil {
			return nil, fmt.Errorf("app: idp: %w", err)
		}
		a.Gateway = g
		gateway = g
	} else {
		logger.Warn("IdP management API not configured; revocation is local only")
	}

	a.Coordinator, err = revocation.NewCoordinator(a.Sessions, gateway, evaluator, a.Users, logger.Named("revocation"))
	if err != nil {
		return nil, err
	}

	var fanout telemetry.Fanout
	if p := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SessionEventsTopic, logger.Named("events")); p != nil {
		a.closers = append(a.closers, p.Close)
		fanout = append(fanout, p)
	}
	if opts.LoggerProvider != nil {
		fanout = append(fanout, telemetryotel.NewEventEmitter(opts.LoggerProvider))
	}
	if len(fanout) > 0 {
		a.Events = fanout
	}

	var admitter admission.Admitter = admission.NewAdvisory(a.Sessions)
	if cfg.StrictAdmission() {
		admitter = admission.NewStrict(a.Sessions)
	}

	source := opts.Source
	if source == "" {
		source = "api"
	}
	a.Service, err = service.NewSessionService(a.Sessions, admitter, a.Coordinator, a.Settings, evaluator, a.Events, logger.Named("session"), source)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Close releases the producer, Redis client and database pool in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
