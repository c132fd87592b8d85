package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/otchange/changeval/internal/config"
	"github.com/otchange/changeval/internal/connectors"
	"github.com/otchange/changeval/internal/correlation"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/jobs"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/otchange/changeval/internal/notify"
	"github.com/otchange/changeval/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	gormlogger "gorm.io/gorm/logger"
)

// app holds the components shared by every subcommand
type app struct {
	cfg       *config.Config
	store     *database.Store
	processor *services.ValidationProcessor
	review    *services.ReviewService
	snow      *connectors.ServiceNowSyncer
	mantis    *connectors.MantisSyncer
	wsus      *connectors.WSUSImporter
	natsConn  *nats.Conn
}

// newApp loads configuration and wires the store, engine, connectors and sinks
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger.Init(cfg.LogLevel, logger.RotatingOutput(cfg.LogFile))
	metrics.Register(prometheus.DefaultRegisterer)

	gormLevel := gormlogger.Warn
	if cfg.Debug() {
		gormLevel = gormlogger.Info
	}
	db, err := database.Open(cfg.DatabaseURL, gormLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	store, err := database.NewStore(db, cfg.PatchCacheSize)
	if err != nil {
		return nil, err
	}

	engine := correlation.NewEngine(cfg.Correlation, store)
	processor := services.NewValidationProcessor(store, engine, services.ProcessorOptions{
		Workers:       cfg.ProcessorWorkers,
		LookupTimeout: cfg.TicketLookupTimeout,
	})
	a := &app{
		cfg:       cfg,
		store:     store,
		processor: processor,
		review:    services.NewReviewService(store),
	}

	if cfg.ServiceNow.Enabled() {
		client, err := connectors.NewServiceNowClient(connectors.ServiceNowConfig{
			InstanceURL:     cfg.ServiceNow.InstanceURL,
			Username:        cfg.ServiceNow.Username,
			Password:        cfg.ServiceNow.Password,
			AssignmentGroup: cfg.ServiceNow.AssignmentGroup,
			Timeout:         cfg.TicketLookupTimeout,
		})
		if err != nil {
			return nil, err
		}
		processor.AddTicketLookup(client)
		a.snow = connectors.NewServiceNowSyncer(client, store, cfg.ServiceNow.SyncWindow)
		logger.WithFields(logrus.Fields{"instance": cfg.ServiceNow.InstanceURL}).Info("ServiceNow connector enabled")
	}
	if cfg.Mantis.Enabled() {
		client, err := connectors.NewMantisClient(connectors.MantisConfig{
			BaseURL:   cfg.Mantis.URL,
			APIToken:  cfg.Mantis.APIToken,
			ProjectID: cfg.Mantis.ProjectID,
			Timeout:   cfg.TicketLookupTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.mantis = connectors.NewMantisSyncer(client, store)
		logger.WithFields(logrus.Fields{"url": cfg.Mantis.URL, "project_id": cfg.Mantis.ProjectID}).Info("Mantis connector enabled")
	}
	if cfg.WSUS.ImportPath != "" {
		a.wsus = connectors.NewWSUSImporter(store, cfg.WSUS.ImportPath)
	}

	if cfg.Slack.Enabled() {
		processor.SetNotifier(notify.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel))
		logger.WithFields(logrus.Fields{"channel": cfg.Slack.Channel}).Info("Slack notifications enabled")
	}

	if cfg.NATS.URL != "" {
		conn, err := notify.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			// decisions are still persisted without the event stream
			logger.Log().WithError(err).Warn("NATS unavailable, decision events disabled")
		} else {
			publisher := notify.NewDecisionPublisher(conn, cfg.NATS.Subject)
			processor.SetDecisionSink(publisher)
			a.review.SetDecisionSink(publisher)
			a.natsConn = conn
		}
	}

	return a, nil
}

// syncJob builds the change sync job from whichever sources are configured
func (a *app) syncJob() *jobs.SyncJob {
	var changes []jobs.ChangeSyncer
	if a.snow != nil {
		changes = append(changes, a.snow)
	}
	if a.mantis != nil {
		changes = append(changes, a.mantis)
	}
	var patches jobs.PatchImporter
	if a.wsus != nil {
		patches = a.wsus
	}
	return jobs.NewSyncJob(changes, patches, a.processor, 0)
}

func (a *app) close() {
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			logger.Log().WithError(err).Warn("Failed to drain NATS connection")
		}
	}
	if sqlDB, err := a.store.DB().DB(); err == nil {
		sqlDB.Close()
	}
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
