package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/otchange/changeval/internal/alerts/adapters"
	"github.com/otchange/changeval/internal/correlation"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrLookupUnavailable is returned by ticket lookups whose backing system
// cannot be reached
var ErrLookupUnavailable = errors.New("ticket lookup unavailable")

// Rule names recorded on validations
const (
	RuleDirectTicketLookup = "direct_ticket_lookup"
	RuleApprovedPatchMatch = "approved_patch_match"
	RuleNone               = "none"
)

// NoMatchNote is attached to validations that need a human decision
const NoMatchNote = "No matching change ticket found - manual review required"

const (
	defaultWorkers       = 4
	defaultLookupTimeout = 10 * time.Second
	exceptionSyncSource  = "exception_export"
)

// ValidationStore is the persistence the processor reads and writes through
type ValidationStore interface {
	correlation.CandidateSource
	TicketLookup
	InsertAlert(ctx context.Context, alert *database.Alert) (uint, error)
	GetPendingAlerts(ctx context.Context, limit int) ([]database.Alert, error)
	RecordValidation(ctx context.Context, v *database.Validation, status database.AlertStatus, actor string) (uint, error)
	UpdateSyncStatus(ctx context.Context, source string, records int, status string, syncErr error) error
}

// TicketLookup resolves exact ticket identifiers to change records
type TicketLookup interface {
	LookupChangesByTicketIDs(ctx context.Context, ticketIDs []string) ([]database.Change, error)
}

// Notifier is told about decisions that need attention
type Notifier interface {
	NotifyPendingReview(ctx context.Context, alert *database.Alert, v *database.Validation) error
	NotifyBatch(ctx context.Context, source string, summary *BatchSummary) error
}

// DecisionSink receives every persisted decision
type DecisionSink interface {
	PublishDecision(ctx context.Context, d *Decision) error
}

// Decision is the persisted outcome of validating one alert
type Decision struct {
	Alert      database.Alert      `json:"alert"`
	Validation database.Validation `json:"validation"`
	Change     *database.Change    `json:"change,omitempty"`
	Err        error               `json:"-"`
}

// AutoValidated reports whether the decision validated the alert without a human
func (d *Decision) AutoValidated() bool {
	return d.Err == nil && d.Validation.Status == database.ValidationStatusAutoValidated
}

// CategoryCounts are the per-category figures of a batch summary
type CategoryCounts struct {
	Total         int `json:"total"`
	AutoValidated int `json:"auto_validated"`
	PendingReview int `json:"pending_review"`
}

// BatchSummary aggregates the decisions of one batch
type BatchSummary struct {
	Source        string                     `json:"source,omitempty"`
	ExceptionType string                     `json:"exception_type,omitempty"`
	Total         int                        `json:"total"`
	AutoValidated int                        `json:"auto_validated"`
	PendingReview int                        `json:"pending_review"`
	Failed        int                        `json:"failed"`
	Skipped       int                        `json:"skipped"`
	ByCategory    map[string]*CategoryCounts `json:"by_category"`
	Decisions     []Decision                 `json:"-"`
}

// ProcessorOptions tunes a ValidationProcessor
type ProcessorOptions struct {
	Workers       int
	LookupTimeout time.Duration
}

// ValidationProcessor runs the validation waterfall for each alert and
// persists the resulting decision
type ValidationProcessor struct {
	store         ValidationStore
	engine        *correlation.Engine
	lookups       []TicketLookup
	workers       int
	lookupTimeout time.Duration
	notifier      Notifier
	sink          DecisionSink
	now           func() time.Time
}

// NewValidationProcessor creates a processor. The store is always the first
// ticket lookup; remote lookups added with AddTicketLookup are consulted after it.
func NewValidationProcessor(store ValidationStore, engine *correlation.Engine, opts ProcessorOptions) *ValidationProcessor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	return &ValidationProcessor{
		store:         store,
		engine:        engine,
		lookups:       []TicketLookup{store},
		workers:       opts.Workers,
		lookupTimeout: opts.LookupTimeout,
		now:           time.Now,
	}
}

// AddTicketLookup appends a ticket lookup to the direct-identifier path
func (p *ValidationProcessor) AddTicketLookup(l TicketLookup) {
	p.lookups = append(p.lookups, l)
}

// SetNotifier sets the notifier for pending-review and batch events
func (p *ValidationProcessor) SetNotifier(n Notifier) {
	p.notifier = n
}

// SetDecisionSink sets the sink every decision is published to
func (p *ValidationProcessor) SetDecisionSink(s DecisionSink) {
	p.sink = s
}

// Process validates one alert, inserting it first when it has no row id.
// Exactly one validation row is written per call.
func (p *ValidationProcessor) Process(ctx context.Context, alert database.Alert) (*Decision, error) {
	if alert.ID == 0 {
		if _, err := p.store.InsertAlert(ctx, &alert); err != nil {
			return nil, err
		}
	}

	d := p.decide(ctx, &alert)
	if err := p.persist(ctx, d); err != nil {
		return nil, err
	}
	p.publish(ctx, d)
	return d, nil
}

// Evaluate runs the waterfall for alert without persisting anything
func (p *ValidationProcessor) Evaluate(ctx context.Context, alert database.Alert) *Decision {
	return p.decide(ctx, &alert)
}

func (p *ValidationProcessor) decide(ctx context.Context, alert *database.Alert) *Decision {
	if d := p.directTicket(ctx, alert); d != nil {
		return d
	}
	if d := p.approvedPatch(ctx, alert); d != nil {
		return d
	}

	result := p.engine.Correlate(ctx, alert)
	if result.Outcome == correlation.OutcomeMatched {
		status := database.ValidationStatusPendingReview
		if result.AutoValidated {
			status = database.ValidationStatusAutoValidated
		}
		d := p.newDecision(alert, status, result.Score, result.Factors.Map(), result.Rule)
		d.Change = result.Change
		d.Validation.ChangeID = &result.Change.ID
		d.Validation.Notes = fmt.Sprintf("Best candidate %s", result.Change.TicketID)
		return d
	}

	d := p.newDecision(alert, database.ValidationStatusPendingReview, 0, map[string]float64{}, RuleNone)
	d.Validation.Notes = NoMatchNote
	if result.Outcome == correlation.OutcomeLookupFailed {
		d.Validation.Notes = NoMatchNote + " (change lookup failed)"
	}
	return d
}

func (p *ValidationProcessor) directTicket(ctx context.Context, alert *database.Alert) *Decision {
	tickets := identifiers.Merge(alert.TicketIDs, identifiers.Tickets(alert.ChangeDetail)...)
	if len(tickets) == 0 {
		return nil
	}

	log := logger.WithFields(logrus.Fields{"alert_id": alert.AlertID, "tickets": tickets})
	for _, lookup := range p.lookups {
		changes, err := p.lookupTickets(ctx, lookup, tickets)
		if err != nil {
			metrics.IncLookupFailure()
			log.WithError(err).Warn("Ticket lookup failed, continuing waterfall")
			continue
		}
		for i := range changes {
			c := changes[i]
			if c.ApprovalStatus != database.ApprovalStatusApproved {
				continue
			}
			if !strings.Contains(strings.ToLower(c.State), "closed") {
				continue
			}
			d := p.newDecision(alert, database.ValidationStatusAutoValidated, 1.0,
				map[string]float64{"ticket": 1}, RuleDirectTicketLookup)
			d.Change = &c
			if c.ID != 0 {
				d.Validation.ChangeID = &c.ID
			}
			d.Validation.Notes = fmt.Sprintf("Ticket %s approved and %s", c.TicketID, c.State)
			return d
		}
	}
	return nil
}

func (p *ValidationProcessor) lookupTickets(ctx context.Context, lookup TicketLookup, tickets []string) ([]database.Change, error) {
	ctx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()
	return lookup.LookupChangesByTicketIDs(ctx, tickets)
}

func (p *ValidationProcessor) approvedPatch(ctx context.Context, alert *database.Alert) *Decision {
	if !isPatchCategory(alert.ChangeCategory) {
		return nil
	}
	patches := identifiers.Merge(alert.PatchIDs, identifiers.Patches(alert.ChangeDetail)...)
	for _, kb := range patches {
		approved, err := p.store.IsPatchApproved(ctx, kb)
		if err != nil {
			logger.WithFields(logrus.Fields{"alert_id": alert.AlertID, "patch_id": kb}).
				WithError(err).Warn("Approved-patch lookup failed")
			continue
		}
		if approved {
			d := p.newDecision(alert, database.ValidationStatusAutoValidated, 1.0,
				map[string]float64{"kb": 1}, RuleApprovedPatchMatch)
			d.Validation.Notes = fmt.Sprintf("%s is on the approved patch list", kb)
			return d
		}
	}
	return nil
}

func isPatchCategory(category string) bool {
	return strings.Contains(strings.ToLower(category), "patch")
}

func (p *ValidationProcessor) newDecision(alert *database.Alert, status database.ValidationStatus, score float64, factors map[string]float64, rule string) *Decision {
	v := database.Validation{
		AlertID:            alert.ID,
		CorrelationScore:   score,
		CorrelationFactors: database.FactorsToJSONB(factors),
		Status:             status,
		Rule:               rule,
	}
	if status == database.ValidationStatusAutoValidated {
		now := p.now()
		v.ValidatedBy = database.SystemActor
		v.ValidatedAt = &now
	}
	return &Decision{Alert: *alert, Validation: v}
}

func (p *ValidationProcessor) persist(ctx context.Context, d *Decision) error {
	var status database.AlertStatus
	if d.AutoValidated() {
		status = database.AlertStatusValidated
	}
	if _, err := p.store.RecordValidation(ctx, &d.Validation, status, database.SystemActor); err != nil {
		return fmt.Errorf("failed to record validation for %s: %w", d.Alert.AlertID, err)
	}
	if status != "" {
		d.Alert.Status = status
		d.Alert.StatusUpdatedBy = database.SystemActor
	}

	metrics.IncValidation(string(d.Validation.Status), d.Validation.Rule)
	logger.WithFields(logrus.Fields{
		"alert_id":    d.Alert.AlertID,
		"source_type": d.Alert.SourceType,
		"status":      d.Validation.Status,
		"rule":        d.Validation.Rule,
		"score":       d.Validation.CorrelationScore,
	}).Info("Validation recorded")
	return nil
}

func (p *ValidationProcessor) publish(ctx context.Context, d *Decision) {
	if p.sink != nil {
		if err := p.sink.PublishDecision(ctx, d); err != nil {
			logger.Log().WithError(err).WithField("alert_id", d.Alert.AlertID).Warn("Failed to publish decision")
		}
	}
	if p.notifier != nil && d.Validation.Status == database.ValidationStatusPendingReview {
		if err := p.notifier.NotifyPendingReview(ctx, &d.Alert, &d.Validation); err != nil {
			logger.Log().WithError(err).WithField("alert_id", d.Alert.AlertID).Warn("Failed to send pending-review notification")
		}
	}
}

// ProcessBatch validates alerts independently on a bounded worker pool.
// Decisions are reported in input order; a failed alert is counted and
// does not stop the batch.
func (p *ValidationProcessor) ProcessBatch(ctx context.Context, batch []database.Alert) *BatchSummary {
	decisions := make([]Decision, len(batch))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := p.workers
	if workers > len(batch) {
		workers = len(batch)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				d, err := p.Process(ctx, batch[i])
				if err != nil {
					logger.Log().WithError(err).WithField("alert_id", batch[i].AlertID).Error("Failed to process alert")
					decisions[i] = Decision{Alert: batch[i], Err: err}
					continue
				}
				decisions[i] = *d
			}
		}()
	}
	for i := range batch {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return Summarize(decisions)
}

// Summarize aggregates decisions into a batch summary
func Summarize(decisions []Decision) *BatchSummary {
	s := &BatchSummary{
		Total:      len(decisions),
		ByCategory: make(map[string]*CategoryCounts),
		Decisions:  decisions,
	}
	for i := range decisions {
		d := &decisions[i]
		if d.Err != nil {
			s.Failed++
			continue
		}
		counts, ok := s.ByCategory[d.Alert.ChangeCategory]
		if !ok {
			counts = &CategoryCounts{}
			s.ByCategory[d.Alert.ChangeCategory] = counts
		}
		counts.Total++
		if d.AutoValidated() {
			s.AutoValidated++
			counts.AutoValidated++
		} else {
			s.PendingReview++
			counts.PendingReview++
		}
	}
	return s
}

// ImportExceptions parses an exception export and validates every row that
// survives normalization. Only an unreadable export is returned as an error.
func (p *ValidationProcessor) ImportExceptions(ctx context.Context, r io.Reader) (*BatchSummary, error) {
	result, err := adapters.NewExceptionExportAdapter().ParseExport(r)
	if err != nil {
		p.recordSync(ctx, exceptionSyncSource, 0, err)
		return nil, err
	}

	summary := p.ProcessBatch(ctx, result.Alerts)
	summary.Source = exceptionSyncSource
	summary.ExceptionType = string(result.ExceptionType)
	summary.Skipped = result.Skipped

	p.recordSync(ctx, exceptionSyncSource, summary.Total-summary.Failed, nil)
	p.notifyBatch(ctx, exceptionSyncSource, summary)

	logger.WithFields(logrus.Fields{
		"exception_type": summary.ExceptionType,
		"total":          summary.Total,
		"auto_validated": summary.AutoValidated,
		"pending_review": summary.PendingReview,
		"skipped":        summary.Skipped,
		"failed":         summary.Failed,
	}).Info("Exception import completed")
	return summary, nil
}

// IngestAlerts validates alerts collected from a live channel
func (p *ValidationProcessor) IngestAlerts(ctx context.Context, source string, batch []database.Alert) *BatchSummary {
	summary := p.ProcessBatch(ctx, batch)
	summary.Source = source
	if summary.Total > 0 {
		p.notifyBatch(ctx, source, summary)
	}
	return summary
}

// RecorrelatePending re-runs the waterfall over pending alerts, for example
// after new changes were synchronized. A validation is only appended when
// the new decision auto-validates the alert.
func (p *ValidationProcessor) RecorrelatePending(ctx context.Context, limit int) (int, error) {
	pending, err := p.store.GetPendingAlerts(ctx, limit)
	if err != nil {
		return 0, err
	}

	validated := 0
	for i := range pending {
		if ctx.Err() != nil {
			return validated, ctx.Err()
		}
		d := p.decide(ctx, &pending[i])
		if !d.AutoValidated() {
			continue
		}
		if err := p.persist(ctx, d); err != nil {
			logger.Log().WithError(err).WithField("alert_id", pending[i].AlertID).Error("Failed to record re-correlation")
			continue
		}
		p.publish(ctx, d)
		validated++
	}

	if validated > 0 {
		logger.WithFields(logrus.Fields{"pending": len(pending), "validated": validated}).Info("Re-correlated pending alerts")
	}
	return validated, nil
}

func (p *ValidationProcessor) recordSync(ctx context.Context, source string, records int, syncErr error) {
	status := "success"
	if syncErr != nil {
		status = "failed"
	}
	if err := p.store.UpdateSyncStatus(ctx, source, records, status, syncErr); err != nil {
		logger.Log().WithError(err).WithField("source", source).Warn("Failed to update sync status")
	}
}

func (p *ValidationProcessor) notifyBatch(ctx context.Context, source string, summary *BatchSummary) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyBatch(ctx, source, summary); err != nil {
		logger.Log().WithError(err).WithField("source", source).Warn("Failed to send batch notification")
	}
}
