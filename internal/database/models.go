package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList stores an ordered list of strings as a JSON array in a text column.
type StringList []string

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for StringList")
	}
	if len(raw) == 0 {
		*s = StringList{}
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(s))
}

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether v is in the list.
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// SourceType identifies the ingestion channel an alert arrived on
type SourceType string

const (
	SourceTypeEmail        SourceType = "email"
	SourceTypeSyslogCEF    SourceType = "syslog_cef"
	SourceTypeSyslogCustom SourceType = "syslog_custom"
	SourceTypeCSVImport    SourceType = "csv_import"
)

// AlertStatus is the current validation status of an alert
type AlertStatus string

const (
	AlertStatusPending       AlertStatus = "pending"
	AlertStatusValidated     AlertStatus = "validated"
	AlertStatusUnauthorized  AlertStatus = "unauthorized"
	AlertStatusInvestigating AlertStatus = "investigating"
)

// ValidationStatus is the outcome recorded on a validation row
type ValidationStatus string

const (
	ValidationStatusAutoValidated   ValidationStatus = "auto_validated"
	ValidationStatusManualValidated ValidationStatus = "manual_validated"
	ValidationStatusUnauthorized    ValidationStatus = "unauthorized"
	ValidationStatusPendingReview   ValidationStatus = "pending_review"
)

// IsManualDecision reports whether a reviewer may record s
func (s ValidationStatus) IsManualDecision() bool {
	return s == ValidationStatusManualValidated || s == ValidationStatusUnauthorized
}

// ReviewerRole is the permission level of a dashboard account
type ReviewerRole string

const (
	// ReviewerRoleReviewer may record manual decisions
	ReviewerRoleReviewer ReviewerRole = "reviewer"
	// ReviewerRoleObserver may only read the queue and history
	ReviewerRoleObserver ReviewerRole = "observer"
)

// CanDecide reports whether the role may record manual decisions
func (r ReviewerRole) CanDecide() bool {
	return r == ReviewerRoleReviewer
}

// Valid reports whether r is a known role
func (r ReviewerRole) Valid() bool {
	return r == ReviewerRoleReviewer || r == ReviewerRoleObserver
}

// ApprovalStatus is the normalized approval state of a change record
type ApprovalStatus string

const (
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
	ApprovalStatusUnknown   ApprovalStatus = "unknown"
)

// SystemActor is recorded as the actor for decisions made without a human
const SystemActor = "SYSTEM"

// Alert is a detected change event from any ingestion channel
type Alert struct {
	ID                  uint        `gorm:"primaryKey" json:"id"`
	AlertID             string      `gorm:"uniqueIndex;size:128;not null" json:"alert_id"`
	AssetName           string      `gorm:"size:255;not null" json:"asset_name"`
	AssetNameNormalized string      `gorm:"size:255;index" json:"asset_name_normalized"`
	ChangeCategory      string      `gorm:"size:128" json:"change_category"`
	ChangeAction        string      `gorm:"size:32" json:"change_action,omitempty"` // new, removed, changed (exports only)
	ChangeDetail        string      `gorm:"type:text" json:"change_detail"`
	DetectedAt          time.Time   `gorm:"not null;index" json:"detected_at"`
	Severity            int         `gorm:"default:3" json:"severity"`
	SourceType          SourceType  `gorm:"type:varchar(32)" json:"source_type"`
	Status              AlertStatus `gorm:"type:varchar(32);not null;default:'pending';index" json:"validation_status"`
	StatusUpdatedBy     string      `gorm:"size:128" json:"status_updated_by,omitempty"`
	TicketIDs           StringList  `gorm:"type:text" json:"ticket_ids"`
	PatchIDs            StringList  `gorm:"type:text" json:"patch_ids"`
	Details             JSONB       `gorm:"type:jsonb" json:"details,omitempty"` // Export-tab specific columns
	RawPayload          string      `gorm:"type:text" json:"-"`
	CreatedAt           time.Time   `json:"created_at"`
}

// BeforeSave stores the detection time in UTC so text-compared SQLite
// timestamps order by instant
func (a *Alert) BeforeSave(tx *gorm.DB) error {
	a.DetectedAt = a.DetectedAt.UTC()
	return nil
}

func (Alert) TableName() string {
	return "alerts"
}

// Change is an authorized change record normalized from a ticketing or patch source
type Change struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	Source              string         `gorm:"size:32;not null;uniqueIndex:idx_changes_source_ticket" json:"source"`
	TicketID            string         `gorm:"size:64;not null;uniqueIndex:idx_changes_source_ticket;index" json:"ticket_id"`
	AssetName           string         `gorm:"size:255" json:"asset_name"`
	AssetNameNormalized string         `gorm:"size:255;index" json:"asset_name_normalized"`
	ChangeType          string         `gorm:"size:64" json:"change_type"`
	Description         string         `gorm:"type:text" json:"description"`
	State               string         `gorm:"size:64" json:"state"` // e.g. "Closed Successful"
	ScheduledStart      *time.Time     `gorm:"index" json:"scheduled_start,omitempty"`
	ScheduledEnd        *time.Time     `json:"scheduled_end,omitempty"`
	ApprovalStatus      ApprovalStatus `gorm:"type:varchar(32);default:'pending'" json:"approval_status"`
	ApprovedBy          string         `gorm:"size:255" json:"approved_by,omitempty"`
	EmbeddedIdentifiers StringList     `gorm:"type:text" json:"embedded_identifiers"`
	RawData             JSONB          `gorm:"type:jsonb" json:"-"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeSave stores the scheduled window in UTC
func (c *Change) BeforeSave(tx *gorm.DB) error {
	c.ScheduledStart = utcPtr(c.ScheduledStart)
	c.ScheduledEnd = utcPtr(c.ScheduledEnd)
	return nil
}

func (Change) TableName() string {
	return "changes"
}

// ApprovedPatch is an allow-listed patch identifier from a patch-management export
type ApprovedPatch struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	KBNumber       string     `gorm:"uniqueIndex;size:32;not null" json:"kb_number"`
	Title          string     `gorm:"type:text" json:"title"`
	Classification string     `gorm:"size:128" json:"classification"`
	ApprovalDate   *time.Time `json:"approval_date,omitempty"`
	TargetGroups   StringList `gorm:"type:text" json:"target_groups"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (p *ApprovedPatch) BeforeSave(tx *gorm.DB) error {
	p.ApprovalDate = utcPtr(p.ApprovalDate)
	return nil
}

func (ApprovedPatch) TableName() string {
	return "approved_patches"
}

// Validation is one decision about an alert. Rows are append-only.
type Validation struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	UUID               string           `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	AlertID            uint             `gorm:"not null;index" json:"alert_id"`
	ChangeID           *uint            `gorm:"index" json:"change_id,omitempty"`
	CorrelationScore   float64          `json:"correlation_score"`
	CorrelationFactors JSONB            `gorm:"type:jsonb" json:"correlation_factors"`
	Status             ValidationStatus `gorm:"type:varchar(32);not null" json:"validation_status"`
	ValidatedBy        string           `gorm:"size:128" json:"validated_by,omitempty"`
	ReviewerRole       ReviewerRole     `gorm:"type:varchar(32)" json:"reviewer_role,omitempty"`
	ValidatedAt        *time.Time       `json:"validated_at,omitempty"`
	Rule               string           `gorm:"size:255" json:"rule"`
	Notes              string           `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`

	Alert Alert `gorm:"foreignKey:AlertID" json:"-"`
}

// BeforeCreate hook to assign a UUID
func (v *Validation) BeforeCreate(tx *gorm.DB) error {
	if v.UUID == "" {
		v.UUID = newUUID()
	}
	return nil
}

func (v *Validation) BeforeSave(tx *gorm.DB) error {
	v.ValidatedAt = utcPtr(v.ValidatedAt)
	return nil
}

func (Validation) TableName() string {
	return "validations"
}

// SyncStatus tracks the last synchronization of each data source
type SyncStatus struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	SourceName    string     `gorm:"uniqueIndex;size:64;not null" json:"source_name"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	RecordsSynced int        `json:"records_synced"`
	Status        string     `gorm:"size:32" json:"status"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (SyncStatus) TableName() string {
	return "sync_status"
}

// AuditLog is the append-only audit trail for status changes
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Action    string    `gorm:"size:64;not null" json:"action"`
	Target    string    `gorm:"column:table_name;size:64" json:"table_name"`
	RecordID  uint      `json:"record_id"`
	User      string    `gorm:"column:user_name;size:128;not null" json:"user"`
	OldValue  string    `gorm:"type:text" json:"old_value,omitempty"`
	NewValue  string    `gorm:"type:text" json:"new_value,omitempty"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
}

// BeforeCreate hook to set Timestamp
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return nil
}

func (AuditLog) TableName() string {
	return "audit_log"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
