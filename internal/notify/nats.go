package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/services"
	"github.com/sirupsen/logrus"
)

// DecisionSubject is the subject validation decisions are published on
const DecisionSubject = "changeval.validations"

// Publisher is the subset of *nats.Conn used to publish events
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DecisionEvent is the wire form of a validation decision
type DecisionEvent struct {
	EventType   string             `json:"event_type"`
	AlertID     string             `json:"alert_id"`
	AlertRowID  uint               `json:"alert_row_id"`
	SourceType  string             `json:"source_type"`
	AssetName   string             `json:"asset_name"`
	Category    string             `json:"change_category"`
	Severity    int                `json:"severity"`
	Status      string             `json:"validation_status"`
	Rule        string             `json:"rule"`
	Score       float64            `json:"correlation_score"`
	Factors     map[string]float64 `json:"correlation_factors,omitempty"`
	TicketID    string             `json:"ticket_id,omitempty"`
	ValidatedBy string             `json:"validated_by,omitempty"`
	Role        string             `json:"reviewer_role,omitempty"`
	Notes       string             `json:"notes,omitempty"`
	Timestamp   string             `json:"timestamp"`
}

// NewDecisionEvent builds the event for a decision
func NewDecisionEvent(d *services.Decision, now time.Time) DecisionEvent {
	event := DecisionEvent{
		EventType:   "validation_decision",
		AlertID:     d.Alert.AlertID,
		AlertRowID:  d.Alert.ID,
		SourceType:  string(d.Alert.SourceType),
		AssetName:   d.Alert.AssetName,
		Category:    d.Alert.ChangeCategory,
		Severity:    d.Alert.Severity,
		Status:      string(d.Validation.Status),
		Rule:        d.Validation.Rule,
		Score:       d.Validation.CorrelationScore,
		ValidatedBy: d.Validation.ValidatedBy,
		Role:        string(d.Validation.ReviewerRole),
		Notes:       d.Validation.Notes,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	if d.Change != nil {
		event.TicketID = d.Change.TicketID
	}
	if len(d.Validation.CorrelationFactors) > 0 {
		event.Factors = make(map[string]float64, len(d.Validation.CorrelationFactors))
		for k, v := range d.Validation.CorrelationFactors {
			if f, ok := v.(float64); ok {
				event.Factors[k] = f
			}
		}
	}
	return event
}

// DecisionPublisher publishes every decision as a JSON event
type DecisionPublisher struct {
	conn    Publisher
	subject string
	now     func() time.Time
}

// NewDecisionPublisher creates a publisher on subject, or DecisionSubject when empty
func NewDecisionPublisher(conn Publisher, subject string) *DecisionPublisher {
	if subject == "" {
		subject = DecisionSubject
	}
	return &DecisionPublisher{conn: conn, subject: subject, now: time.Now}
}

// PublishDecision publishes d
func (p *DecisionPublisher) PublishDecision(ctx context.Context, d *services.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewDecisionEvent(d, p.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish decision for %s: %w", d.Alert.AlertID, err)
	}
	return nil
}

// ConnectNATS dials the NATS server at url with reconnect handling
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("changeval"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log().WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithFields(logrus.Fields{"url": nc.ConnectedUrl()}).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
