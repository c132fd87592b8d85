package alerts

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
)

var (
	// ErrMissingTimestamp marks a record whose detection time could not be determined
	ErrMissingTimestamp = errors.New("missing or unparseable detection timestamp")
	// ErrMissingAsset marks a record that names no asset
	ErrMissingAsset = errors.New("missing asset name")
)

// MaxRawPayload bounds the raw payload retained on an alert
const MaxRawPayload = 5000

// DefaultSeverity is used when a source carries no recognizable severity
const DefaultSeverity = 3

// Normalizer converts one raw payload from an ingestion channel into canonical alerts.
// A payload that is understood but carries nothing usable yields an empty slice
// and a nil error; only malformed input is reported as an error.
type Normalizer interface {
	// GetSourceType returns the source type stamped on produced alerts
	GetSourceType() database.SourceType

	// Normalize parses the raw payload. A CSV export yields many alerts,
	// a mail message or syslog datagram at most one.
	Normalize(payload []byte) ([]database.Alert, error)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	SourceType database.SourceType
}

// GetSourceType returns the source type name
func (b *BaseAdapter) GetSourceType() database.SourceType {
	return b.SourceType
}

var (
	assetDomainSuffix = regexp.MustCompile(`\.(local|internal|corp|domain)$`)
	assetRolePrefix   = regexp.MustCompile(`^(srv|wks|vm|host)[-_]`)
)

// NormalizeAssetName canonicalizes an asset name for comparison:
// lowercase, trimmed, without a domain suffix or host-role prefix.
func NormalizeAssetName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	name = assetDomainSuffix.ReplaceAllString(name, "")
	name = assetRolePrefix.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}

// DefaultSeverityMapping maps severity words to the 1-5 scale
var DefaultSeverityMapping = map[string]int{
	"low":           1,
	"info":          1,
	"informational": 1,
	"medium":        3,
	"warning":       3,
	"high":          4,
	"critical":      5,
	"emergency":     5,
}

// ParseSeverity maps a numeric or word severity onto 1-5. Numbers are
// clamped, unknown words fall back to DefaultSeverity.
func ParseSeverity(value string) int {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return DefaultSeverity
	}
	if n, err := strconv.Atoi(value); err == nil {
		return ClampSeverity(n)
	}
	if sev, ok := DefaultSeverityMapping[value]; ok {
		return sev
	}
	return DefaultSeverity
}

// ClampSeverity bounds n to 1-5
func ClampSeverity(n int) int {
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

// ParseTimestamp tries each layout in order and returns the first match,
// interpreting zone-less values as UTC.
func ParseTimestamp(value string, layouts []string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Truncate returns s cut to at most n bytes without splitting a UTF-8 rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && cut < len(s) && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}

// NewAlertID builds a unique, timestamp-based alert id such as
// EMAIL-20250829114747-1f2e3d4c.
func NewAlertID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102150405"), uuid.New().String()[:8])
}

// Finalize validates the mandatory fields of alert and fills the derived ones:
// UTC detection time, normalized asset name, severity bounds, identifiers
// found in the detail and the raw payload bound.
func Finalize(alert *database.Alert) error {
	alert.AssetName = strings.TrimSpace(alert.AssetName)
	if alert.AssetName == "" {
		return ErrMissingAsset
	}
	if alert.DetectedAt.IsZero() {
		return ErrMissingTimestamp
	}

	alert.DetectedAt = alert.DetectedAt.UTC()
	alert.AssetNameNormalized = NormalizeAssetName(alert.AssetName)
	if alert.Severity == 0 {
		alert.Severity = DefaultSeverity
	}
	alert.Severity = ClampSeverity(alert.Severity)
	alert.TicketIDs = identifiers.Merge(alert.TicketIDs, identifiers.Tickets(alert.ChangeDetail)...)
	alert.PatchIDs = identifiers.Merge(alert.PatchIDs, identifiers.Patches(alert.ChangeDetail)...)
	alert.RawPayload = Truncate(alert.RawPayload, MaxRawPayload)
	if alert.Status == "" {
		alert.Status = database.AlertStatusPending
	}
	return nil
}
