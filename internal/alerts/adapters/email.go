package adapters

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Labeled body fields. Each label must start a line and be followed by a colon.
var (
	emailAlertIDPattern  = regexp.MustCompile(`(?im)^[ \t]*(?:alert id|reference|id)[ \t]*:[ \t]*([A-Za-z0-9-]+)`)
	emailAssetPattern    = regexp.MustCompile(`(?im)^[ \t]*(?:asset|host|system|device)(?: name)?[ \t]*:[ \t]*([^\r\n]+)`)
	emailCategoryPattern = regexp.MustCompile(`(?im)^[ \t]*(?:change type|category|type)[ \t]*:[ \t]*([^\r\n]+)`)
	emailDetailPattern   = regexp.MustCompile(`(?im)^[ \t]*(?:change|details?|description|event)[ \t]*:[ \t]*([^\r\n]+)`)
	emailDetectedPattern = regexp.MustCompile(`(?im)^[ \t]*(?:detected(?: at)?|timestamp|time|date)[ \t]*:[ \t]*([^\r\n]+)`)
	emailSeverityPattern = regexp.MustCompile(`(?im)^[ \t]*(?:severity|priority|level)[ \t]*:[ \t]*(\d+|low|medium|high|critical|informational|info|warning|emergency)\b`)

	// emailSubjectAssetPattern recovers the asset from subjects like "Baseline Alert: SCADA01 - Software Change"
	emailSubjectAssetPattern = regexp.MustCompile(`(?:Alert|Change)[:\s]*([A-Za-z0-9_-]+)`)

	htmlBreakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</(?:p|div|tr|li|h[1-6])>`)
	htmlTagPattern   = regexp.MustCompile(`<[^>]+>`)
)

// MailLayouts are the timestamp formats accepted in mail bodies
var MailLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
	"1/2/2006 3:04:05 PM",
	"02 Jan 2006 15:04:05",
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05",
}

// EmailAdapter parses alert notification mails
type EmailAdapter struct {
	alerts.BaseAdapter
	now func() time.Time
}

// NewEmailAdapter creates a new email adapter
func NewEmailAdapter() *EmailAdapter {
	return &EmailAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: database.SourceTypeEmail},
		now:         time.Now,
	}
}

// Normalize parses one RFC 5322 message. A message naming no asset is
// rejected with an empty result.
func (a *EmailAdapter) Normalize(payload []byte) ([]database.Alert, error) {
	alert, err := a.ParseMessage(payload)
	if errors.Is(err, alerts.ErrMissingAsset) {
		metrics.IncRecordSkipped(string(a.SourceType), "missing_asset")
		logger.Log().Warn("Rejecting mail without an asset name")
		return []database.Alert{}, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.IncAlertIngested(string(a.SourceType))
	return []database.Alert{*alert}, nil
}

// ParseMessage extracts an alert from a raw mail message.
func (a *EmailAdapter) ParseMessage(raw []byte) (*database.Alert, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	body, err := readBody(mr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	now := a.now()
	alert := &database.Alert{
		SourceType: a.SourceType,
		Severity:   alerts.DefaultSeverity,
		RawPayload: body,
	}

	alert.AlertID = firstMatch(emailAlertIDPattern, body)
	if alert.AlertID == "" {
		alert.AlertID = alerts.NewAlertID("EMAIL", now)
	}

	alert.AssetName = firstMatch(emailAssetPattern, body)
	if alert.AssetName == "" {
		alert.AssetName = firstMatch(emailSubjectAssetPattern, subject)
	}

	alert.ChangeCategory = firstMatch(emailCategoryPattern, body)
	alert.ChangeDetail = firstMatch(emailDetailPattern, body)
	if alert.ChangeDetail == "" {
		alert.ChangeDetail = subject
	}

	if sev := firstMatch(emailSeverityPattern, body); sev != "" {
		alert.Severity = alerts.ParseSeverity(sev)
	}

	if detected, ok := alerts.ParseTimestamp(firstMatch(emailDetectedPattern, body), MailLayouts); ok {
		alert.DetectedAt = detected
	} else if sent, err := mr.Header.Date(); err == nil && !sent.IsZero() {
		alert.DetectedAt = sent
	} else {
		alert.DetectedAt = now
	}

	if err := alerts.Finalize(alert); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"alert_id": alert.AlertID,
		"asset":    alert.AssetName,
	}).Debug("Parsed mail alert")
	return alert, nil
}

// readBody returns the first text/plain part, or the first text/html part
// with its markup stripped.
func readBody(mr *mail.Reader) (string, error) {
	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if plain != "" || htmlBody != "" {
				break
			}
			return "", err
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return "", err
		}

		switch contentType {
		case "text/plain":
			if plain == "" {
				plain = string(data)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = StripHTML(string(data))
			}
		}
	}

	if plain != "" {
		return plain, nil
	}
	return htmlBody, nil
}

// StripHTML removes markup, keeping line structure for block elements
func StripHTML(s string) string {
	s = htmlBreakPattern.ReplaceAllString(s, "\n")
	s = htmlTagPattern.ReplaceAllString(s, " ")
	return html.UnescapeString(s)
}

func firstMatch(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
