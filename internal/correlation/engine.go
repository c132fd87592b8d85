// Package correlation scores authorized change records against a detected
// alert and picks the best match.
package correlation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Outcome distinguishes a match from the absence of one and from a failed lookup
type Outcome int

const (
	OutcomeNoMatch Outcome = iota
	OutcomeMatched
	OutcomeLookupFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeLookupFailed:
		return "lookup_failed"
	default:
		return "no_match"
	}
}

// Rule names recorded on generic-path decisions
const (
	RuleScoredCorrelation   = "scored_correlation"
	RuleHighConfidenceMatch = "high_confidence_match"
)

// CandidateSource supplies candidate changes and allow-list membership
type CandidateSource interface {
	GetChangesInWindow(ctx context.Context, start, end time.Time, assetFragment string) ([]database.Change, error)
	IsPatchApproved(ctx context.Context, patchID string) (bool, error)
}

// Result is the outcome of correlating one alert
type Result struct {
	Outcome       Outcome
	Change        *database.Change
	Score         float64
	Factors       Factors
	AutoValidated bool
	Rule          string
	Candidates    int
	Err           error
}

// Engine correlates alerts against candidate changes
type Engine struct {
	cfg    Config
	source CandidateSource
}

// NewEngine creates a correlation engine over source
func NewEngine(cfg Config, source CandidateSource) *Engine {
	return &Engine{cfg: cfg, source: source}
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) buffer() time.Duration {
	return time.Duration(e.cfg.TimeBufferHours) * time.Hour
}

// Correlate finds the best-scoring change for alert
func (e *Engine) Correlate(ctx context.Context, alert *database.Alert) Result {
	buffer := e.buffer()
	start := alert.DetectedAt.Add(-2 * buffer)
	end := alert.DetectedAt.Add(buffer)

	fragment := alert.AssetNameNormalized
	if r := []rune(fragment); len(r) > 3 {
		fragment = string(r[:3])
	}

	log := logger.WithFields(logrus.Fields{"alert_id": alert.AlertID, "asset": alert.AssetNameNormalized})

	candidates, err := e.source.GetChangesInWindow(ctx, start, end, fragment)
	if err != nil {
		log.WithError(err).Warn("Candidate lookup failed")
		return Result{Outcome: OutcomeLookupFailed, Err: err}
	}
	if len(candidates) == 0 {
		log.Debug("No candidate changes in window")
		return Result{Outcome: OutcomeNoMatch}
	}

	sortCandidates(candidates)

	approvedCache := make(map[string]bool)
	approved := func(id string) bool {
		if v, ok := approvedCache[id]; ok {
			return v
		}
		ok, err := e.source.IsPatchApproved(ctx, id)
		if err != nil {
			log.WithError(err).WithField("patch_id", id).Warn("Approved-patch lookup failed")
			ok = false
		}
		approvedCache[id] = ok
		return ok
	}
	alertPatches := identifiers.Merge(alert.PatchIDs, identifiers.Patches(alert.ChangeDetail)...)

	best := -1
	var bestScore float64
	var bestFactors Factors
	for i := range candidates {
		factors := e.Score(alert, &candidates[i], alertPatches, approved)
		score := factors.Total(e.cfg.Weights)
		// strictly greater keeps the earliest candidate in sort order on ties
		if best == -1 || score > bestScore+scoreEpsilon {
			best, bestScore, bestFactors = i, score, factors
		}
	}

	metrics.ObserveCorrelationScore(bestScore)

	if !e.cfg.ClearsMinimum(bestScore) {
		log.WithField("score", bestScore).Debug("Best candidate below minimum threshold")
		return Result{Outcome: OutcomeNoMatch, Score: bestScore, Factors: bestFactors, Candidates: len(candidates)}
	}

	change := candidates[best]
	result := Result{
		Outcome:       OutcomeMatched,
		Change:        &change,
		Score:         bestScore,
		Factors:       bestFactors,
		AutoValidated: e.cfg.IsAutoValidated(bestScore),
		Candidates:    len(candidates),
	}
	result.Rule = e.rule(result)

	log.WithFields(logrus.Fields{
		"ticket_id": change.TicketID,
		"score":     bestScore,
		"rule":      result.Rule,
	}).Info("Correlated alert with change")
	return result
}

// Score computes the factor breakdown for one alert/change pair
func (e *Engine) Score(alert *database.Alert, change *database.Change, alertPatches []string, approved func(string) bool) Factors {
	return Factors{
		Asset:      AssetSimilarity(alert.AssetNameNormalized, change.AssetNameNormalized),
		Time:       TimeScore(alert.DetectedAt, change.ScheduledStart, change.ScheduledEnd, e.buffer()),
		Type:       TypeScore(alert.ChangeCategory, change.ChangeType, e.cfg.TypeSynonyms),
		Identifier: IdentifierScore(alertPatches, change.EmbeddedIdentifiers, approved),
	}
}

func (e *Engine) rule(r Result) string {
	if !r.AutoValidated {
		return RuleScoredCorrelation
	}
	var parts []string
	if r.Factors.Asset+scoreEpsilon >= 0.95 {
		parts = append(parts, "exact_asset_match")
	}
	if r.Factors.Time+scoreEpsilon >= 1 {
		parts = append(parts, "within_change_window")
	}
	if r.Factors.Identifier+scoreEpsilon >= 1 {
		parts = append(parts, "kb_article_match")
	}
	if r.Change != nil && r.Change.ApprovalStatus == database.ApprovalStatusApproved {
		parts = append(parts, "ticket_approved")
	}
	if len(parts) == 0 {
		return RuleHighConfidenceMatch
	}
	return strings.Join(parts, "+")
}

// sortCandidates orders by earliest scheduled start (unscheduled last), then ticket id, then row id
func sortCandidates(changes []database.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		switch {
		case a.ScheduledStart == nil && b.ScheduledStart != nil:
			return false
		case a.ScheduledStart != nil && b.ScheduledStart == nil:
			return true
		case a.ScheduledStart != nil && b.ScheduledStart != nil && !a.ScheduledStart.Equal(*b.ScheduledStart):
			return a.ScheduledStart.Before(*b.ScheduledStart)
		}
		if a.TicketID != b.TicketID {
			return a.TicketID < b.TicketID
		}
		return a.ID < b.ID
	})
}
