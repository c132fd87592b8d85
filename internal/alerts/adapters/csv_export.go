package adapters

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrMalformed is returned when a payload cannot be parsed at all
var ErrMalformed = errors.New("malformed payload")

// ExceptionType is the baseline exception tab an export was taken from
type ExceptionType string

const (
	ExceptionAssetDetails      ExceptionType = "asset_details"
	ExceptionSoftwareInstalled ExceptionType = "software_installed"
	ExceptionPatchesInstalled  ExceptionType = "patches_installed"
	ExceptionPortsAndServices  ExceptionType = "ports_and_services"
	ExceptionFirewallRules     ExceptionType = "firewall_rules"
	ExceptionUserAccounts      ExceptionType = "user_accounts"
	ExceptionDeviceInterfaces  ExceptionType = "device_interfaces"
)

// ChangeAction is the kind of deviation reported in an export row
type ChangeAction string

const (
	ChangeActionNew     ChangeAction = "new"
	ChangeActionRemoved ChangeAction = "removed"
	ChangeActionChanged ChangeAction = "changed"
)

// Columns shared by every export tab
const (
	colType          = "Type"
	colAssetGroups   = "Asset Groups"
	colAssets        = "Assets"
	colComment       = "Comment"
	colDetectionDate = "Exception Detection Date"
)

// UnknownAsset is used for rows that carry no asset group
const UnknownAsset = "Unknown"

type column struct {
	header string
	field  string
	kind   string // "", "int" or "bool"
}

// tabColumns lists the type-specific columns of each export tab
var tabColumns = map[ExceptionType][]column{
	ExceptionAssetDetails: {
		{header: "Attribute Name", field: "attribute_name"},
		{header: "Attribute Value", field: "attribute_value"},
	},
	ExceptionSoftwareInstalled: {
		{header: "Software Name", field: "software_name"},
		{header: "Software Version", field: "software_version"},
	},
	ExceptionPatchesInstalled: {
		{header: "Patch ID", field: "patch_id"},
		{header: "Service Pack In Effect", field: "service_pack"},
	},
	ExceptionPortsAndServices: {
		{header: "Port", field: "port", kind: "int"},
		{header: "Protocol", field: "protocol"},
		{header: "IP Version", field: "ip_version", kind: "int"},
		{header: "Interface", field: "interface"},
		{header: "Process", field: "process_name"},
	},
	ExceptionFirewallRules: {
		{header: "Policy ID", field: "policy_id"},
		{header: "Source IF", field: "source_if"},
		{header: "Destination IF", field: "dest_if"},
		{header: "Action", field: "action"},
		{header: "Status", field: "status"},
	},
	ExceptionUserAccounts: {
		{header: "User ID", field: "user_id"},
		{header: "User Type", field: "user_type"},
		{header: "Domain", field: "domain"},
		{header: "Member of", field: "member_of"},
		{header: "Enabled", field: "enabled", kind: "bool"},
	},
	ExceptionDeviceInterfaces: {
		{header: "Interface Name", field: "interface_name"},
		{header: "IP Address", field: "ip_address"},
		{header: "Subnet Mask", field: "subnet_mask"},
		{header: "MAC Address", field: "mac_address"},
	},
}

// ExportLayouts are the detection-date formats seen in exception exports
var ExportLayouts = []string{
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04 PM",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ExportResult is the outcome of parsing one exception export
type ExportResult struct {
	ExceptionType ExceptionType
	Alerts        []database.Alert
	Skipped       int
}

// ExceptionExportAdapter parses baseline-exception CSV exports
type ExceptionExportAdapter struct {
	alerts.BaseAdapter
	now func() time.Time
}

// NewExceptionExportAdapter creates a new exception export adapter
func NewExceptionExportAdapter() *ExceptionExportAdapter {
	return &ExceptionExportAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: database.SourceTypeCSVImport},
		now:         time.Now,
	}
}

// Normalize parses a whole export held in memory
func (a *ExceptionExportAdapter) Normalize(payload []byte) ([]database.Alert, error) {
	result, err := a.ParseExport(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return result.Alerts, nil
}

// DetectExceptionType picks the export tab from the header row. Headers that
// match no known tab are treated as asset details.
func DetectExceptionType(headers []string) ExceptionType {
	has := make(map[string]bool, len(headers))
	for _, h := range headers {
		has[strings.ToLower(strings.TrimSpace(h))] = true
	}

	switch {
	case has["patch id"]:
		return ExceptionPatchesInstalled
	case has["software name"]:
		return ExceptionSoftwareInstalled
	case has["port"] && has["protocol"]:
		return ExceptionPortsAndServices
	case has["policy id"]:
		return ExceptionFirewallRules
	case has["user id"] && has["user type"]:
		return ExceptionUserAccounts
	case has["interface name"] && has["mac address"]:
		return ExceptionDeviceInterfaces
	default:
		return ExceptionAssetDetails
	}
}

// ParseChangeAction maps the Type column onto a change action, defaulting to new
func ParseChangeAction(value string) ChangeAction {
	value = strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.Contains(value, "new"):
		return ChangeActionNew
	case strings.Contains(value, "removed"):
		return ChangeActionRemoved
	case strings.Contains(value, "changed"):
		return ChangeActionChanged
	default:
		return ChangeActionNew
	}
}

// ParseExport reads an export, skipping rows that cannot be normalized.
// Only an unreadable header is fatal.
func (a *ExceptionExportAdapter) ParseExport(r io.Reader) (*ExportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty export", ErrMalformed)
		}
		return nil, fmt.Errorf("%w: unreadable header: %v", ErrMalformed, err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	exceptionType := DetectExceptionType(headers)
	batch := a.now().UTC().Format("20060102150405") + "-" + uuid.New().String()[:6]
	result := &ExportResult{ExceptionType: exceptionType, Alerts: []database.Alert{}}

	log := logger.WithFields(logrus.Fields{"source_type": a.SourceType, "exception_type": exceptionType})
	log.Info("Parsing exception export")

	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				a.skip(&result.Skipped, "unparseable_row")
				log.WithError(err).Warn("Skipping unparseable row")
				continue
			}
			return nil, fmt.Errorf("failed to read export: %w", err)
		}

		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			}
		}

		alert, err := a.parseRow(row, exceptionType, fmt.Sprintf("CSV-%s-%d", batch, line))
		if err != nil {
			a.skip(&result.Skipped, reasonFor(err))
			log.WithError(err).WithField("row", line).Warn("Skipping export row")
			continue
		}
		metrics.IncAlertIngested(string(a.SourceType))
		result.Alerts = append(result.Alerts, *alert)
	}

	log.WithFields(logrus.Fields{"alerts": len(result.Alerts), "skipped": result.Skipped}).Info("Parsed exception export")
	return result, nil
}

func (a *ExceptionExportAdapter) parseRow(row map[string]string, exceptionType ExceptionType, alertID string) (*database.Alert, error) {
	detected, ok := alerts.ParseTimestamp(row[colDetectionDate], ExportLayouts)
	if !ok {
		return nil, alerts.ErrMissingTimestamp
	}

	assetGroup := row[colAssetGroups]
	if assetGroup == "" {
		assetGroup = UnknownAsset
	}

	details := parseDetails(row, exceptionType)
	details["asset_count"] = parseInt(row[colAssets], 1)

	alert := &database.Alert{
		AlertID:        alertID,
		AssetName:      assetGroup,
		ChangeCategory: string(exceptionType),
		ChangeAction:   string(ParseChangeAction(row[colType])),
		ChangeDetail:   row[colComment],
		DetectedAt:     detected,
		Severity:       alerts.DefaultSeverity,
		SourceType:     a.SourceType,
		Details:        details,
		RawPayload:     database.MarshalRaw(row),
	}
	if exceptionType == ExceptionPatchesInstalled {
		kbs := identifiers.Patches(row["Patch ID"])
		details["kb_numbers"] = kbs
		alert.PatchIDs = kbs
	}

	if err := alerts.Finalize(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func parseDetails(row map[string]string, exceptionType ExceptionType) database.JSONB {
	details := database.JSONB{}
	for _, col := range tabColumns[exceptionType] {
		value := row[col.header]
		switch col.kind {
		case "int":
			details[col.field] = parseInt(value, 0)
		case "bool":
			details[col.field] = strings.EqualFold(value, "true")
		default:
			details[col.field] = value
		}
	}
	return details
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (a *ExceptionExportAdapter) skip(counter *int, reason string) {
	*counter++
	metrics.IncRecordSkipped(string(a.SourceType), reason)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, alerts.ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, alerts.ErrMissingAsset):
		return "missing_asset"
	default:
		return "invalid"
	}
}
