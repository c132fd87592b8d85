package jobs

import (
	"context"

	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/services"
	"github.com/sirupsen/logrus"
)

// Ingestor validates batches of alerts and re-runs pending ones
type Ingestor interface {
	IngestAlerts(ctx context.Context, source string, batch []database.Alert) *services.BatchSummary
	RecorrelatePending(ctx context.Context, limit int) (int, error)
}

// MailboxSource yields alerts from one mailbox poll
type MailboxSource interface {
	Poll(ctx context.Context) ([]database.Alert, error)
}

// QueueSource yields the alerts queued since the last drain
type QueueSource interface {
	Drain() []database.Alert
}

// MailboxJob polls the alert mailbox and validates what it finds
type MailboxJob struct {
	source   MailboxSource
	ingestor Ingestor
}

// NewMailboxJob creates a new mailbox job
func NewMailboxJob(source MailboxSource, ingestor Ingestor) *MailboxJob {
	return &MailboxJob{source: source, ingestor: ingestor}
}

// Run executes one poll. Returns the number of alerts validated.
func (j *MailboxJob) Run(ctx context.Context) (int, error) {
	batch, err := j.source.Poll(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	summary := j.ingestor.IngestAlerts(ctx, string(database.SourceTypeEmail), batch)
	return summary.Total - summary.Failed, nil
}

// SyslogDrainJob drains the syslog queue into the validation processor
type SyslogDrainJob struct {
	source   QueueSource
	ingestor Ingestor
}

// NewSyslogDrainJob creates a new syslog drain job
func NewSyslogDrainJob(source QueueSource, ingestor Ingestor) *SyslogDrainJob {
	return &SyslogDrainJob{source: source, ingestor: ingestor}
}

// Run drains the queue once. Returns the number of alerts validated.
func (j *SyslogDrainJob) Run(ctx context.Context) (int, error) {
	batch := j.source.Drain()
	if len(batch) == 0 {
		return 0, nil
	}
	summary := j.ingestor.IngestAlerts(ctx, "syslog", batch)
	return summary.Total - summary.Failed, nil
}

// ChangeSyncer pulls authorized changes from a ticketing system
type ChangeSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// PatchImporter loads the latest approved-patch export
type PatchImporter interface {
	ImportLatest(ctx context.Context) (int, error)
}

// SyncJob refreshes changes and approved patches, then re-correlates pending
// alerts against the new data
type SyncJob struct {
	changes      []ChangeSyncer
	patches      PatchImporter
	ingestor     Ingestor
	pendingLimit int
}

// NewSyncJob creates a new sync job. Nil change syncers are skipped and
// patches may be nil.
func NewSyncJob(changes []ChangeSyncer, patches PatchImporter, ingestor Ingestor, pendingLimit int) *SyncJob {
	if pendingLimit <= 0 {
		pendingLimit = 500
	}
	var syncers []ChangeSyncer
	for _, c := range changes {
		if c != nil {
			syncers = append(syncers, c)
		}
	}
	return &SyncJob{changes: syncers, patches: patches, ingestor: ingestor, pendingLimit: pendingLimit}
}

// Run executes one sync. A failing source is logged and does not stop the
// others; re-correlation only runs when something was synced.
// Returns the number of pending alerts that became validated.
func (j *SyncJob) Run(ctx context.Context) (int, error) {
	synced := 0
	for _, changes := range j.changes {
		n, err := changes.Sync(ctx)
		if err != nil {
			logger.Log().WithError(err).Warn("Change sync failed")
		}
		synced += n
	}
	if j.patches != nil {
		n, err := j.patches.ImportLatest(ctx)
		if err != nil {
			logger.Log().WithError(err).Warn("Patch import failed")
		}
		synced += n
	}
	if synced == 0 {
		return 0, nil
	}

	validated, err := j.ingestor.RecorrelatePending(ctx, j.pendingLimit)
	if err != nil {
		return validated, err
	}
	logger.WithFields(logrus.Fields{"synced": synced, "validated": validated}).Info("Sync job completed")
	return validated, nil
}
