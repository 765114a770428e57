// Server runs the devicegate HTTP API and the gRPC health listener.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"devicegate/internal/app"
	"devicegate/internal/config"
	healthhandler "devicegate/internal/health/handler"
	"devicegate/internal/logging"
	"devicegate/internal/security"
	"devicegate/internal/server"
	"devicegate/internal/server/interceptors"
	sessionhandler "devicegate/internal/session/handler"
	"devicegate/internal/telemetry"
	telemetryotel "devicegate/internal/telemetry/otel"
)

const healthInterval = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	providers.SetGlobal()

	if cfg.AuthJWTPublicKey == "" {
		return errors.New("AUTH_JWT_PUBLIC_KEY is required")
	}
	pub, err := security.ParsePublicKey(cfg.AuthJWTPublicKey)
	if err != nil {
		return err
	}
	validator, err := security.NewValidator(pub, cfg.AuthJWTIssuer, cfg.AuthJWTAudience)
	if err != nil {
		return err
	}

	core, err := app.New(cfg, logger, app.Options{Source: "api", LoggerProvider: providers.LoggerProvider})
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	var pinger healthhandler.Pinger
	if core.DB != nil {
		pinger = core.DB
	}
	monitor := healthhandler.NewMonitor(pinger, core.Evaluator, logger.Named("health"))
	go monitor.Run(ctx, healthInterval)

	cookie := interceptors.DeviceCookie{
		Name:   cfg.DeviceCookieName,
		MaxAge: cfg.DeviceCookieTTL(),
		Secure: cfg.SecureCookies(),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := server.NewRouter(server.Deps{
		API:          sessionhandler.NewHandler(core.Service, cookie.Clear, logger.Named("http")),
		Tokens:       validator,
		Users:        core.Users,
		DeviceCookie: cookie,
		Health:       monitor,
		Gatherer:     reg,
		Metrics:      server.NewMetrics(reg),
		CORSOrigins:  cfg.CORSOrigins(),
		Logger:       logger.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(monitor.Server())

	errc := make(chan error, 2)
	go func() {
		logger.Info("gRPC health server listening", zap.String("addr", cfg.GRPCAddr))
		errc <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("strict_admission", cfg.StrictAdmission()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error("listener failed", zap.Error(err))
	}

	logger.Info("shutting down")
	monitor.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	// Let in-flight async event emits finish before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
