// seed writes development data: the default app_settings row and a dev user.
// Idempotent: the settings row is only written when missing and the user is upserted by subject.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"devicegate/internal/config"
	"devicegate/internal/db"
	"devicegate/internal/logging"
	settingsdomain "devicegate/internal/settings/domain"
	settingsrepo "devicegate/internal/settings/repository"
	userdomain "devicegate/internal/user/domain"
	userrepo "devicegate/internal/user/repository"
)

func main() {
	subject := flag.String("subject", "auth0|dev-user-001", "IdP subject of the dev user")
	email := flag.String("email", "dev@example.com", "email of the dev user")
	flag.Parse()

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
	logger = logger.Named("seed")

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	defaults := settingsdomain.Defaults(cfg.DefaultMaxDevices, cfg.InactivityWindowDefault())
	settings := settingsrepo.NewPostgresRepository(conn, defaults)
	current, err := settings.Get(ctx)
	if err != nil {
		logger.Fatal("settings", zap.Error(err))
	}
	if current.ID == "" {
		if current, err = settings.Update(ctx, defaults.MaxDevices, defaults.InactivityDays); err != nil {
			logger.Fatal("settings", zap.Error(err))
		}
		logger.Info("created app_settings row", zap.String("id", current.ID))
	} else {
		logger.Info("app_settings row already present", zap.String("id", current.ID))
	}
	logger.Info("settings",
		zap.Int("max_devices", current.MaxDevices),
		zap.Int("inactivity_days", current.InactivityDays))

	users := userrepo.NewPostgresRepository(conn)
	u, err := users.EnsureByExternalID(ctx, *subject, userdomain.Profile{
		DisplayName:   "Dev User",
		Email:         *email,
		EmailVerified: true,
	})
	if err != nil {
		logger.Fatal("user", zap.Error(err))
	}
	logger.Info("dev user ready", zap.String("id", u.ID), zap.String("subject", u.ExternalSubjectID))
}
