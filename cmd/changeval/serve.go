package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/otchange/changeval/internal/config"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/handlers"
	"github.com/otchange/changeval/internal/jobs"
	"github.com/otchange/changeval/internal/listeners"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	jobTimeout      = 10 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the review API, listeners and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger.WithFields(logrus.Fields{"version": version, "port": cfg.HTTPPort}).Info("Starting changeval")

	accounts, err := dashboardAccounts(cfg)
	if err != nil {
		return err
	}
	auth := middleware.NewReviewerAuth(middleware.AuthConfig{
		Accounts: accounts,
		Secret:   cfg.JWTSecret,
		TokenTTL: time.Duration(cfg.JWTExpiryHours) * time.Hour,
		PublicPaths: []string{
			"/health",
			"/metrics",
			"/auth/login",
		},
	})

	scheduler := jobs.NewScheduler(jobTimeout)

	if cfg.Mailbox.Enabled {
		poller := listeners.NewMailboxPoller(listeners.MailboxConfig{
			Server:     cfg.Mailbox.Server,
			Username:   cfg.Mailbox.Username,
			Password:   cfg.Mailbox.Password,
			Folder:     cfg.Mailbox.Folder,
			FromFilter: cfg.Mailbox.FromFilter,
			Timeout:    cfg.Mailbox.Timeout,
		})
		if err := scheduler.Add("mailbox", cfg.Mailbox.Schedule, jobs.NewMailboxJob(poller, a.processor)); err != nil {
			return err
		}
	}

	var syslog *listeners.SyslogListener
	if cfg.Syslog.Enabled {
		policy, err := listeners.ParseOverflowPolicy(cfg.Syslog.OverflowPolicy)
		if err != nil {
			return err
		}
		syslog = listeners.NewSyslogListener(cfg.Syslog.Addr, cfg.Syslog.QueueSize, policy)
		if err := syslog.Start(ctx); err != nil {
			return err
		}
		defer syslog.Stop()
		if err := scheduler.Add("syslog", cfg.Syslog.DrainSchedule, jobs.NewSyslogDrainJob(syslog, a.processor)); err != nil {
			return err
		}
	}

	if a.snow != nil || a.mantis != nil || a.wsus != nil {
		if err := scheduler.Add("sync", cfg.SyncSchedule, a.syncJob()); err != nil {
			return err
		}
	}

	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	mux := http.NewServeMux()
	handlers.NewHTTPHandler(nil).SetupRoutes(mux)
	handlers.NewAuthHandler(auth).SetupRoutes(mux)
	handlers.NewReviewHandler(a.store, a.review).SetupRoutes(mux)
	var patchUploads handlers.PatchUploader
	if a.wsus != nil {
		patchUploads = a.wsus
	}
	handlers.NewImportHandler(a.processor, patchUploads).SetupRoutes(mux)

	// request id first so the logger and auth failures can see it
	handler := middleware.RequestIDMiddleware(
		middleware.RequestLogger(
			middleware.NewCORSMiddleware(cfg.CORSAllowedOrigins...).Wrap(
				auth.Wrap(mux))))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log().Infof("HTTP server listening on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
		logger.Log().Info("Received shutdown signal, cleaning up...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log().WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	logger.Log().Info("Shutdown complete")
	return nil
}

// dashboardAccounts hashes the configured logins. The admin account is a
// reviewer; the observer account, when set, is read-only.
func dashboardAccounts(cfg *config.Config) ([]middleware.Account, error) {
	if cfg.AdminPassword == "" {
		return nil, errors.New("ADMIN_PASSWORD is not set")
	}
	logins := []struct {
		username, password string
		role               database.ReviewerRole
	}{
		{cfg.AdminUsername, cfg.AdminPassword, database.ReviewerRoleReviewer},
		{cfg.ObserverUsername, cfg.ObserverPassword, database.ReviewerRoleObserver},
	}

	var accounts []middleware.Account
	for _, l := range logins {
		if l.username == "" {
			continue
		}
		hash, err := middleware.HashPassword(l.password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s password: %w", l.role, err)
		}
		accounts = append(accounts, middleware.Account{Username: l.username, PasswordHash: hash, Role: l.role})
	}
	return accounts, nil
}
