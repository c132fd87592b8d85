package testhelpers

import (
	"time"

	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
)

// DefaultDetectedAt is the detection time used by builders unless overridden
var DefaultDetectedAt = time.Date(2025, 8, 29, 11, 47, 47, 0, time.UTC)

// AlertBuilder builds Alert instances for testing
type AlertBuilder struct {
	alert database.Alert
}

// NewAlertBuilder creates a new alert builder with defaults
func NewAlertBuilder() *AlertBuilder {
	return &AlertBuilder{
		alert: database.Alert{
			AlertID:        "TEST-" + DefaultDetectedAt.Format("20060102150405"),
			AssetName:      "SCADA01",
			ChangeCategory: "patch",
			ChangeDetail:   "Baseline change detected",
			DetectedAt:     DefaultDetectedAt,
			Severity:       alerts.DefaultSeverity,
			SourceType:     database.SourceTypeEmail,
			Status:         database.AlertStatusPending,
		},
	}
}

// WithAlertID sets the alert id
func (b *AlertBuilder) WithAlertID(id string) *AlertBuilder {
	b.alert.AlertID = id
	return b
}

// WithAsset sets the asset name
func (b *AlertBuilder) WithAsset(asset string) *AlertBuilder {
	b.alert.AssetName = asset
	return b
}

// WithCategory sets the change category
func (b *AlertBuilder) WithCategory(category string) *AlertBuilder {
	b.alert.ChangeCategory = category
	return b
}

// WithDetail sets the change detail text
func (b *AlertBuilder) WithDetail(detail string) *AlertBuilder {
	b.alert.ChangeDetail = detail
	return b
}

// WithDetectedAt sets the detection time
func (b *AlertBuilder) WithDetectedAt(t time.Time) *AlertBuilder {
	b.alert.DetectedAt = t
	return b
}

// WithSeverity sets the severity
func (b *AlertBuilder) WithSeverity(severity int) *AlertBuilder {
	b.alert.Severity = severity
	return b
}

// WithSource sets the source type
func (b *AlertBuilder) WithSource(source database.SourceType) *AlertBuilder {
	b.alert.SourceType = source
	return b
}

// WithPatches sets the patch identifiers
func (b *AlertBuilder) WithPatches(ids ...string) *AlertBuilder {
	b.alert.PatchIDs = ids
	return b
}

// Build returns the alert with derived fields filled in the same way the
// normalizers fill them.
func (b *AlertBuilder) Build() database.Alert {
	alert := b.alert
	if err := alerts.Finalize(&alert); err != nil {
		alert.AssetNameNormalized = alerts.NormalizeAssetName(alert.AssetName)
	}
	return alert
}

// ChangeBuilder builds Change instances for testing
type ChangeBuilder struct {
	change database.Change
}

// NewChangeBuilder creates a new change builder with an approved, scheduled change
func NewChangeBuilder() *ChangeBuilder {
	start := DefaultDetectedAt.Add(-2 * time.Hour)
	end := DefaultDetectedAt.Add(2 * time.Hour)
	return &ChangeBuilder{
		change: database.Change{
			Source:         "servicenow",
			TicketID:       "CHG0000000001",
			AssetName:      "SCADA01",
			ChangeType:     "patch",
			Description:    "Monthly patching",
			State:          "Scheduled",
			ScheduledStart: &start,
			ScheduledEnd:   &end,
			ApprovalStatus: database.ApprovalStatusApproved,
		},
	}
}

// WithTicket sets the ticket id
func (b *ChangeBuilder) WithTicket(ticket string) *ChangeBuilder {
	b.change.TicketID = ticket
	return b
}

// WithSource sets the change source
func (b *ChangeBuilder) WithSource(source string) *ChangeBuilder {
	b.change.Source = source
	return b
}

// WithAsset sets the asset name
func (b *ChangeBuilder) WithAsset(asset string) *ChangeBuilder {
	b.change.AssetName = asset
	return b
}

// WithType sets the change type
func (b *ChangeBuilder) WithType(changeType string) *ChangeBuilder {
	b.change.ChangeType = changeType
	return b
}

// WithState sets the execution state
func (b *ChangeBuilder) WithState(state string) *ChangeBuilder {
	b.change.State = state
	return b
}

// WithApproval sets the approval status
func (b *ChangeBuilder) WithApproval(status database.ApprovalStatus) *ChangeBuilder {
	b.change.ApprovalStatus = status
	return b
}

// WithWindow sets the scheduled window
func (b *ChangeBuilder) WithWindow(start, end time.Time) *ChangeBuilder {
	b.change.ScheduledStart = &start
	b.change.ScheduledEnd = &end
	return b
}

// Unscheduled clears the scheduled window
func (b *ChangeBuilder) Unscheduled() *ChangeBuilder {
	b.change.ScheduledStart = nil
	b.change.ScheduledEnd = nil
	return b
}

// WithIdentifiers sets the embedded patch identifiers
func (b *ChangeBuilder) WithIdentifiers(ids ...string) *ChangeBuilder {
	b.change.EmbeddedIdentifiers = ids
	return b
}

// Build returns the constructed change
func (b *ChangeBuilder) Build() database.Change {
	change := b.change
	change.AssetNameNormalized = alerts.NormalizeAssetName(change.AssetName)
	return change
}

// ApprovedPatchBuilder builds ApprovedPatch instances for testing
type ApprovedPatchBuilder struct {
	patch database.ApprovedPatch
}

// NewApprovedPatchBuilder creates a new approved patch builder
func NewApprovedPatchBuilder() *ApprovedPatchBuilder {
	approved := DefaultDetectedAt.AddDate(0, 0, -7)
	return &ApprovedPatchBuilder{
		patch: database.ApprovedPatch{
			KBNumber:       "KB5062070",
			Title:          "Cumulative Update for Windows Server",
			Classification: "Security Updates",
			ApprovalDate:   &approved,
			TargetGroups:   database.StringList{"OT Servers"},
		},
	}
}

// WithKB sets the KB number
func (b *ApprovedPatchBuilder) WithKB(kb string) *ApprovedPatchBuilder {
	b.patch.KBNumber = kb
	return b
}

// WithTitle sets the title
func (b *ApprovedPatchBuilder) WithTitle(title string) *ApprovedPatchBuilder {
	b.patch.Title = title
	return b
}

// Build returns the constructed patch
func (b *ApprovedPatchBuilder) Build() database.ApprovedPatch {
	return b.patch
}
