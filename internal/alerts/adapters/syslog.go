package adapters

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

// MaxSyslogPayload bounds the raw datagram kept on a syslog alert
const MaxSyslogPayload = 2000

var (
	cefPattern          = regexp.MustCompile(`CEF:(\d+)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|(\d+)\|(.*)`)
	cefExtensionKey     = regexp.MustCompile(`(?:^|\s)([A-Za-z0-9_.]+)=`)
	syslogTypePattern   = regexp.MustCompile(`(?i)\b(?:category|type)[=:]\s*([A-Za-z0-9_.-]+)`)
	cefExtensionEscapes = strings.NewReplacer(`\=`, `=`, `\\`, `\`, `\n`, "\n", `\r`, "\r")

	// asset fields, tried in priority order
	syslogAssetPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bhost[=:\s]+([A-Za-z0-9_.-]+)`),
		regexp.MustCompile(`(?i)\basset[=:\s]+([A-Za-z0-9_.-]+)`),
		regexp.MustCompile(`(?i)\bsrc[=:\s]+([A-Za-z0-9_.-]+)`),
	}
)

// CEFLayouts are the formats accepted in the CEF rt/end extensions besides epoch millis
var CEFLayouts = []string{
	"Jan 02 2006 15:04:05",
	"Jan 2 2006 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// CEFEvent is the header and extension content of a CEF message
type CEFEvent struct {
	Version     string
	Vendor      string
	Product     string
	Version2    string
	SignatureID string
	Name        string
	Severity    int
	Extensions  map[string]string
}

// SyslogAdapter parses CEF-formatted syslog and falls back to field probing
type SyslogAdapter struct {
	alerts.BaseAdapter
	now func() time.Time
}

// NewSyslogAdapter creates a new syslog adapter
func NewSyslogAdapter() *SyslogAdapter {
	return &SyslogAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: database.SourceTypeSyslogCEF},
		now:         time.Now,
	}
}

// Normalize parses one syslog datagram. A message that names no asset is
// rejected with an empty result.
func (a *SyslogAdapter) Normalize(payload []byte) ([]database.Alert, error) {
	alert, err := a.ParseMessage(string(payload))
	if errors.Is(err, alerts.ErrMissingAsset) {
		metrics.IncRecordSkipped(string(syslogSourceType(string(payload))), "missing_asset")
		logger.Log().Debug("Rejecting syslog message without an asset name")
		return []database.Alert{}, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.IncAlertIngested(string(alert.SourceType))
	return []database.Alert{*alert}, nil
}

// ParseMessage parses a single syslog line
func (a *SyslogAdapter) ParseMessage(message string) (*database.Alert, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: empty syslog message", ErrMalformed)
	}

	if event, ok := ParseCEF(message); ok {
		return a.fromCEF(event, message)
	}
	return a.fromCustom(message)
}

// ParseCEF parses the CEF header and extensions of message
func ParseCEF(message string) (*CEFEvent, bool) {
	m := cefPattern.FindStringSubmatch(message)
	if m == nil {
		return nil, false
	}
	severity, _ := strconv.Atoi(m[7])
	return &CEFEvent{
		Version:     m[1],
		Vendor:      m[2],
		Product:     m[3],
		Version2:    m[4],
		SignatureID: m[5],
		Name:        m[6],
		Severity:    severity,
		Extensions:  ParseCEFExtensions(m[8]),
	}, true
}

// ParseCEFExtensions splits "key=value key2=value with spaces" pairs. A value
// runs until the next key.
func ParseCEFExtensions(ext string) map[string]string {
	out := make(map[string]string)
	locs := cefExtensionKey.FindAllStringSubmatchIndex(ext, -1)
	for i, loc := range locs {
		key := ext[loc[2]:loc[3]]
		valueStart := loc[1]
		valueEnd := len(ext)
		if i+1 < len(locs) {
			valueEnd = locs[i+1][0]
		}
		out[key] = cefExtensionEscapes.Replace(strings.TrimSpace(ext[valueStart:valueEnd]))
	}
	return out
}

// CEFSeverity maps the 0-10 CEF severity onto 1-5
func CEFSeverity(sev int) int {
	switch {
	case sev <= 1:
		return 1
	case sev <= 3:
		return 2
	case sev <= 6:
		return 3
	case sev <= 8:
		return 4
	default:
		return 5
	}
}

func (a *SyslogAdapter) fromCEF(event *CEFEvent, message string) (*database.Alert, error) {
	now := a.now()
	ext := event.Extensions

	alert := &database.Alert{
		AlertID:        alerts.NewAlertID("CEF", now),
		AssetName:      firstNonEmpty(ext["dhost"], ext["dst"], ext["shost"]),
		ChangeCategory: event.Name,
		ChangeDetail:   firstNonEmpty(ext["msg"], ext["cs1"]),
		DetectedAt:     cefTime(firstNonEmpty(ext["rt"], ext["end"]), now),
		Severity:       CEFSeverity(event.Severity),
		SourceType:     database.SourceTypeSyslogCEF,
		RawPayload:     alerts.Truncate(message, MaxSyslogPayload),
		Details: database.JSONB{
			"vendor":       event.Vendor,
			"product":      event.Product,
			"signature_id": event.SignatureID,
			"cef_severity": event.Severity,
		},
	}

	if err := alerts.Finalize(alert); err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"alert_id": alert.AlertID, "asset": alert.AssetName}).Debug("Parsed CEF alert")
	return alert, nil
}

func (a *SyslogAdapter) fromCustom(message string) (*database.Alert, error) {
	now := a.now()
	alert := &database.Alert{
		AlertID:        alerts.NewAlertID("SYSLOG", now),
		AssetName:      lookupAsset(message),
		ChangeCategory: firstMatch(syslogTypePattern, message),
		ChangeDetail:   alerts.Truncate(message, MaxSyslogPayload),
		DetectedAt:     now,
		Severity:       alerts.DefaultSeverity,
		SourceType:     database.SourceTypeSyslogCustom,
		RawPayload:     alerts.Truncate(message, MaxSyslogPayload),
	}
	if err := alerts.Finalize(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// cefTime reads a CEF timestamp (epoch milliseconds or a date layout), falling back to now
func cefTime(value string, now time.Time) time.Time {
	if value == "" {
		return now
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if t, ok := alerts.ParseTimestamp(value, CEFLayouts); ok {
		return t
	}
	return now
}

// syslogSourceType reports which parser a message is routed to
func syslogSourceType(message string) database.SourceType {
	if cefPattern.MatchString(message) {
		return database.SourceTypeSyslogCEF
	}
	return database.SourceTypeSyslogCustom
}

func lookupAsset(message string) string {
	for _, p := range syslogAssetPatterns {
		if v := firstMatch(p, message); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
