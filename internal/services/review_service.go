package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidDecision is returned for a manual decision that is not allowed
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrDecisionNotPermitted is returned when the reviewer's role may not decide
	ErrDecisionNotPermitted = errors.New("role may not record decisions")
)

// Reviewer identifies the account behind a manual decision
type Reviewer struct {
	Username string
	Role     database.ReviewerRole
}

// RuleManualReview is recorded on human decisions
const RuleManualReview = "manual_review"

// ReviewStore is the persistence the review service needs
type ReviewStore interface {
	GetAlert(ctx context.Context, id uint) (*database.Alert, error)
	RecordValidation(ctx context.Context, v *database.Validation, status database.AlertStatus, actor string) (uint, error)
	ListValidations(ctx context.Context, alertID uint) ([]database.Validation, error)
}

// ReviewService records human decisions on alerts
type ReviewService struct {
	store ReviewStore
	sink  DecisionSink
	now   func() time.Time
}

// NewReviewService creates a new review service
func NewReviewService(store ReviewStore) *ReviewService {
	return &ReviewService{store: store, now: time.Now}
}

// SetDecisionSink sets the sink manual decisions are published to
func (s *ReviewService) SetDecisionSink(sink DecisionSink) {
	s.sink = sink
}

// Decide appends a manual validation and moves the alert to the matching
// status in one transaction. Earlier validations are left untouched. The
// reviewer's name and role are stored on the validation; observers are refused.
func (s *ReviewService) Decide(ctx context.Context, alertID uint, status database.ValidationStatus, reviewer Reviewer, notes string) (*database.Validation, error) {
	if !status.IsManualDecision() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidDecision, status)
	}
	alertStatus := database.AlertStatusValidated
	if status == database.ValidationStatusUnauthorized {
		alertStatus = database.AlertStatusUnauthorized
	}
	name := strings.TrimSpace(reviewer.Username)
	if name == "" {
		return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidDecision)
	}
	if !reviewer.Role.CanDecide() {
		return nil, fmt.Errorf("%w: %s is %q", ErrDecisionNotPermitted, name, reviewer.Role)
	}

	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	v := &database.Validation{
		AlertID:            alert.ID,
		CorrelationScore:   0,
		CorrelationFactors: database.JSONB{},
		Status:             status,
		ValidatedBy:        name,
		ReviewerRole:       reviewer.Role,
		ValidatedAt:        &now,
		Rule:               RuleManualReview,
		Notes:              notes,
	}
	if latest, err := s.latest(ctx, alert.ID); err == nil && latest != nil {
		v.ChangeID = latest.ChangeID
		v.CorrelationScore = latest.CorrelationScore
	}

	if _, err := s.store.RecordValidation(ctx, v, alertStatus, name); err != nil {
		return nil, err
	}
	alert.Status = alertStatus
	alert.StatusUpdatedBy = name

	metrics.IncValidation(string(status), RuleManualReview)
	logger.WithFields(logrus.Fields{
		"alert_id": alert.AlertID,
		"status":   status,
		"reviewer": name,
		"role":     reviewer.Role,
	}).Info("Manual decision recorded")

	if s.sink != nil {
		if err := s.sink.PublishDecision(ctx, &Decision{Alert: *alert, Validation: *v}); err != nil {
			logger.Log().WithError(err).WithField("alert_id", alert.AlertID).Warn("Failed to publish decision")
		}
	}
	return v, nil
}

// History returns every validation of an alert, oldest first
func (s *ReviewService) History(ctx context.Context, alertID uint) ([]database.Validation, error) {
	if _, err := s.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.ListValidations(ctx, alertID)
}

func (s *ReviewService) latest(ctx context.Context, alertID uint) (*database.Validation, error) {
	history, err := s.store.ListValidations(ctx, alertID)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[len(history)-1], nil
}
