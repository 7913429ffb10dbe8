package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/api"
	"github.com/peekdesk/peekdesk/internal/authn"
	"github.com/peekdesk/peekdesk/internal/invite"
	"github.com/peekdesk/peekdesk/internal/metrics"
	"github.com/peekdesk/peekdesk/internal/ratelimit"
	"github.com/peekdesk/peekdesk/internal/relay"
	"github.com/peekdesk/peekdesk/internal/session"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	port             int
	dataDir          string
	agentFilesDir    string
	logLevel         string
	maxLoginAttempts int
	lockoutMinutes   int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "peekdesk-server",
		Short: "Peekdesk server — remote desktop relay",
		Long: `Peekdesk server relays screen frames and input events between desktop
agents and browser viewers. It exposes a REST API for the dashboard, a
WebSocket endpoint for agents and viewers, and stores users and machines
in a single JSON document on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("PORT", 3456), "HTTP and WebSocket listen port")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("DATA_DIR", "./data"), "Directory for the users database")
	root.PersistentFlags().StringVar(&cfg.agentFilesDir, "agent-files", envOrDefault("AGENT_FILES_DIR", ""), "Directory served under /agent-files for the setup scripts")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.maxLoginAttempts, "max-login-attempts", envOrDefaultInt("MAX_LOGIN_ATTEMPTS", 5), "Failed logins per source before lockout")
	root.PersistentFlags().IntVar(&cfg.lockoutMinutes, "lockout-minutes", envOrDefaultInt("LOCKOUT_MINUTES", 15), "Length of the login lockout window in minutes")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("peekdesk-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	started := time.Now()

	logger.Info("starting peekdesk server",
		zap.String("version", version),
		zap.Int("port", cfg.port),
		zap.String("data_dir", cfg.dataDir),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	users, err := userstore.Open(filepath.Join(cfg.dataDir, "users.json"), logger)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}

	sessions := session.New(session.DefaultTTL, logger)
	invites := invite.New(invite.DefaultTTL, logger)
	auth := authn.New(users, sessions, invites)

	loginLimiter := ratelimit.New(cfg.maxLoginAttempts, time.Duration(cfg.lockoutMinutes)*time.Minute)
	wakeLimiter := ratelimit.New(5, time.Minute)

	m := metrics.New(sessions.Count)
	registry := relay.NewRegistry(logger)
	dispatcher := relay.NewDispatcher(auth, users, registry, m, logger)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(session.SweepInterval),
		gocron.NewTask(func() {
			if n := sessions.Sweep(); n > 0 {
				logger.Info("sessions swept", zap.Int("expired", n))
			}
		}),
	); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			loginLimiter.Cleanup()
			wakeLimiter.Cleanup()
		}),
	); err != nil {
		return fmt.Errorf("failed to schedule limiter cleanup: %w", err)
	}
	sched.Start()
	defer sched.Shutdown() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Auth:          api.NewAuthHandler(users, sessions, loginLimiter, m, logger),
		Machines:      api.NewMachineHandler(users, registry, wakeLimiter, nil, logger),
		Invites:       api.NewInviteHandler(users, invites, logger),
		Setup:         api.NewSetupHandler(users, cfg.agentFilesDir, logger),
		Health:        api.NewHealthHandler(sessions, registry, started),
		Authenticator: auth,
		Socket:        dispatcher.ServeWS,
		Metrics:       m.Handler(),
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down peekdesk server")

	// Tell connected sockets first so agents stop capturing, then drain HTTP.
	dispatcher.Shutdown("Server is shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out", zap.Error(err))
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
