// Package notify delivers validation outcomes to people (Slack) and to other
// systems (NATS).
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/services"
	"github.com/otchange/changeval/internal/utils"
	"github.com/slack-go/slack"
)

// SlackNotifier posts pending-review alerts and batch summaries to a channel
type SlackNotifier struct {
	client   *slack.Client
	resolver *ChannelResolver
	channel  string
}

// NewSlackNotifier creates a notifier posting to channel with a bot token
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	client := slack.New(token, opts...)
	return &SlackNotifier{
		client:   client,
		resolver: NewChannelResolver(client),
		channel:  channel,
	}
}

// NotifyPendingReview posts one alert that needs a human decision
func (n *SlackNotifier) NotifyPendingReview(ctx context.Context, alert *database.Alert, v *database.Validation) error {
	return n.post(ctx, FormatPendingReview(alert, v))
}

// NotifyBatch posts the summary of a processed batch
func (n *SlackNotifier) NotifyBatch(ctx context.Context, source string, summary *services.BatchSummary) error {
	return n.post(ctx, FormatBatchSummary(source, summary))
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	channel, err := n.resolver.ResolveChannel(ctx, n.channel)
	if err != nil {
		// chat.postMessage also accepts names, so resolution is best effort
		logger.Log().WithError(err).WithField("channel", n.channel).Debug("Posting to unresolved Slack channel")
		channel = n.channel
	}
	_, _, err = n.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("failed to post to slack channel %s: %w", n.channel, err)
	}
	logger.Log().WithField("channel", channel).Debug("Posted Slack notification")
	return nil
}

// FormatPendingReview renders the message for an alert awaiting review
func FormatPendingReview(alert *database.Alert, v *database.Validation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ *Unmatched change on %s* (severity %d)\n", alert.AssetName, alert.Severity)
	fmt.Fprintf(&b, "*Alert:* `%s`  *Category:* %s  *Source:* %s\n", alert.AlertID, alert.ChangeCategory, alert.SourceType)
	if !alert.DetectedAt.IsZero() {
		fmt.Fprintf(&b, "*Detected:* %s\n", alert.DetectedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if alert.ChangeDetail != "" {
		fmt.Fprintf(&b, "> %s\n", utils.TruncateText(alert.ChangeDetail, 300))
	}
	if v != nil {
		fmt.Fprintf(&b, "*Score:* %.2f  *Rule:* %s", v.CorrelationScore, v.Rule)
		if v.Notes != "" {
			fmt.Fprintf(&b, "\n_%s_", v.Notes)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatBatchSummary renders the message for a processed batch
func FormatBatchSummary(source string, s *services.BatchSummary) string {
	var b strings.Builder
	icon := "✅"
	if s.PendingReview > 0 || s.Failed > 0 {
		icon = "📋"
	}
	title := source
	if s.ExceptionType != "" {
		title = fmt.Sprintf("%s (%s)", source, s.ExceptionType)
	}
	fmt.Fprintf(&b, "%s *Batch processed: %s*\n", icon, title)
	fmt.Fprintf(&b, "Total: %d | Auto-validated: %d | Pending review: %d", s.Total, s.AutoValidated, s.PendingReview)
	if s.Failed > 0 {
		fmt.Fprintf(&b, " | Failed: %d", s.Failed)
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&b, " | Skipped rows: %d", s.Skipped)
	}

	categories := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		counts := s.ByCategory[c]
		fmt.Fprintf(&b, "\n• %s: %d/%d auto-validated", c, counts.AutoValidated, counts.Total)
	}
	return b.String()
}
