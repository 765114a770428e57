package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"devicegate/internal/app"
	"devicegate/internal/config"
	"devicegate/internal/logging"
	"devicegate/internal/session/domain"
	settingsdomain "devicegate/internal/settings/domain"
)

// actorID identifies the CLI operator in revocation logs and policy input.
const actorID = "devicegatectl"

// SessionAdmin is the part of the session service the CLI drives.
type SessionAdmin interface {
	ListSessions(ctx context.Context, actor domain.Actor, userID string, activeOnly bool) ([]*domain.Session, error)
	RevokeOne(ctx context.Context, actor domain.Actor, sessionID, reason string) error
	RevokeAll(ctx context.Context, actor domain.Actor, userID, reason string) (int64, error)
	Settings(ctx context.Context, actor domain.Actor) (*settingsdomain.AppSettings, error)
	UpdateSettings(ctx context.Context, actor domain.Actor, maxDevices, inactivityDays int) (*settingsdomain.AppSettings, error)
}

// Session is an open connection to the session core with the operator identity to act as.
type Session struct {
	API   SessionAdmin
	Actor domain.Actor
	Close func() error
}

// Opener connects to the session core for one command invocation.
type Opener func() (*Session, error)

// NewRootCmd builds the command tree. open is called lazily by each leaf command.
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "devicegatectl",
		Short: "Operate devicegate device sessions",
		Long: `Inspect and revoke device sessions and adjust the per-user device limit.
Reads the same environment (.env, DATABASE_URL, IDP_*) as the server and acts as an administrator.`,
		SilenceUsage: true,
	}
	root.AddCommand(newSessionsCmd(open), newSettingsCmd(open))
	return root
}

// Execute runs the CLI against the configured database.
func Execute() {
	if err := NewRootCmd(openFromConfig).Execute(); err != nil {
		os.Exit(1)
	}
}

func openFromConfig() (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set; the CLI needs the shared database")
	}
	logger, err := logging.New("warn", "console")
	if err != nil {
		return nil, err
	}
	core, err := app.New(cfg, logger.Named("cli"), app.Options{Source: "cli"})
	if err != nil {
		return nil, err
	}
	return &Session{
		API:   core.Service,
		Actor: domain.Actor{UserID: actorID, Permissions: []string{cfg.AuthAdminPermission}},
		Close: func() error {
			_ = logger.Sync()
			return core.Close()
		},
	}, nil
}

// withSession opens the core, runs fn and closes it. A close failure is reported only when fn succeeded.
func withSession(open Opener, fn func(s *Session) error) (err error) {
	s, err := open()
	if err != nil {
		return err
	}
	defer func() {
		if s.Close == nil {
			return
		}
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()
	return fn(s)
}
