package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

const (
	// DefaultPatchCacheSize bounds the approved-patch membership cache
	DefaultPatchCacheSize = 1024

	// PatchCacheTTL bounds how long an approval stays cached. Patch imports
	// may run in another process, so entries cannot rely on local invalidation.
	PatchCacheTTL = time.Minute
)

// Store is the persistence layer for alerts, changes, patches and validations.
type Store struct {
	db *gorm.DB
	// approved KB numbers only; misses always go to the database
	patches *expirable.LRU[string, struct{}]
}

// NewStore creates a store over db with an approved-patch cache of cacheSize entries.
func NewStore(db *gorm.DB, cacheSize int) (*Store, error) {
	if db == nil {
		return nil, errors.New("store requires a database connection")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultPatchCacheSize
	}
	return &Store{
		db:      db,
		patches: expirable.NewLRU[string, struct{}](cacheSize, nil, PatchCacheTTL),
	}, nil
}

// DB exposes the underlying connection for callers composing their own queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// InsertAlert persists a new alert and returns its row id.
func (s *Store) InsertAlert(ctx context.Context, alert *Alert) (uint, error) {
	if alert.Status == "" {
		alert.Status = AlertStatusPending
	}
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return 0, fmt.Errorf("failed to insert alert %s: %w", alert.AlertID, err)
	}
	return alert.ID, nil
}

// GetAlert loads one alert by row id.
func (s *Store) GetAlert(ctx context.Context, id uint) (*Alert, error) {
	var alert Alert
	err := s.db.WithContext(ctx).First(&alert, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// GetPendingAlerts returns up to limit pending alerts, most severe first, then oldest first.
func (s *Store) GetPendingAlerts(ctx context.Context, limit int) ([]Alert, error) {
	var alerts []Alert
	query := s.db.WithContext(ctx).
		Where("status = ?", AlertStatusPending).
		Order("severity DESC").
		Order("detected_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to load pending alerts: %w", err)
	}
	return alerts, nil
}

// UpdateAlertStatus sets an alert's status and writes an audit entry.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uint, status AlertStatus, actor string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateAlertStatus(tx, id, status, actor)
	})
}

func updateAlertStatus(tx *gorm.DB, id uint, status AlertStatus, actor string) error {
	var alert Alert
	if err := tx.Select("id", "status").First(&alert, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := tx.Model(&Alert{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":            status,
		"status_updated_by": actor,
	}).Error; err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}

	return tx.Create(&AuditLog{
		Action:   "update_status",
		Target:   "alerts",
		RecordID: id,
		User:     actor,
		OldValue: string(alert.Status),
		NewValue: string(status),
	}).Error
}

// CreateValidation appends a validation row and returns its id.
func (s *Store) CreateValidation(ctx context.Context, v *Validation) (uint, error) {
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return 0, fmt.Errorf("failed to create validation: %w", err)
	}
	return v.ID, nil
}

// RecordValidation appends a validation and, when status is non-empty, moves
// the alert to status in the same transaction.
func (s *Store) RecordValidation(ctx context.Context, v *Validation, status AlertStatus, actor string) (uint, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(v).Error; err != nil {
			return fmt.Errorf("failed to create validation: %w", err)
		}
		if status == "" {
			return nil
		}
		return updateAlertStatus(tx, v.AlertID, status, actor)
	})
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// ListValidations returns every validation recorded for an alert, oldest first.
func (s *Store) ListValidations(ctx context.Context, alertID uint) ([]Validation, error) {
	var validations []Validation
	err := s.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&validations).Error
	return validations, err
}

// GetChangesInWindow returns changes whose scheduled window overlaps
// [start, end] and whose normalized asset name contains assetFragment.
// Bounds are compared in UTC, the zone every row is stored in.
// A change without an end is treated as lasting one day.
func (s *Store) GetChangesInWindow(ctx context.Context, start, end time.Time, assetFragment string) ([]Change, error) {
	start, end = start.UTC(), end.UTC()
	var changes []Change
	query := s.db.WithContext(ctx).
		Where("scheduled_start IS NOT NULL AND scheduled_start <= ?", end).
		Where("(scheduled_end IS NOT NULL AND scheduled_end >= ?) OR (scheduled_end IS NULL AND scheduled_start >= ?)",
			start, start.Add(-24*time.Hour))
	if assetFragment != "" {
		query = query.Where("asset_name_normalized LIKE ?", "%"+assetFragment+"%")
	}
	err := query.
		Order("scheduled_start ASC").
		Order("ticket_id ASC").
		Find(&changes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query change window: %w", err)
	}
	return changes, nil
}

// LookupChangesByTicketIDs returns the changes with the given ticket ids.
func (s *Store) LookupChangesByTicketIDs(ctx context.Context, ticketIDs []string) ([]Change, error) {
	if len(ticketIDs) == 0 {
		return []Change{}, nil
	}
	var changes []Change
	err := s.db.WithContext(ctx).
		Where("ticket_id IN ?", ticketIDs).
		Order("ticket_id ASC").
		Find(&changes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up tickets: %w", err)
	}
	return changes, nil
}

// UpsertChange inserts a change or updates the existing (source, ticket_id) row.
func (s *Store) UpsertChange(ctx context.Context, change *Change) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source"}, {Name: "ticket_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"asset_name", "asset_name_normalized", "change_type", "description", "state",
			"scheduled_start", "scheduled_end", "approval_status", "approved_by",
			"embedded_identifiers", "raw_data", "updated_at",
		}),
	}).Create(change).Error
}

// IsPatchApproved reports whether patchID is on the approved-patch list.
func (s *Store) IsPatchApproved(ctx context.Context, patchID string) (bool, error) {
	if _, ok := s.patches.Get(patchID); ok {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&ApprovedPatch{}).
		Where("kb_number = ?", patchID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check patch %s: %w", patchID, err)
	}

	if count == 0 {
		return false, nil
	}
	s.patches.Add(patchID, struct{}{})
	return true, nil
}

// UpsertApprovedPatch adds or refreshes an approved patch.
func (s *Store) UpsertApprovedPatch(ctx context.Context, patch *ApprovedPatch) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kb_number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "classification", "approval_date", "target_groups", "updated_at",
		}),
	}).Create(patch).Error
	if err != nil {
		return fmt.Errorf("failed to upsert patch %s: %w", patch.KBNumber, err)
	}
	s.patches.Remove(patch.KBNumber)
	return nil
}

// UpdateSyncStatus records the outcome of a synchronization run for source.
func (s *Store) UpdateSyncStatus(ctx context.Context, source string, records int, status string, syncErr error) error {
	now := time.Now().UTC()
	row := SyncStatus{
		SourceName:    source,
		LastSync:      &now,
		RecordsSynced: records,
		Status:        status,
	}
	if syncErr != nil {
		row.ErrorMessage = syncErr.Error()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync", "records_synced", "status", "error_message", "updated_at"}),
	}).Create(&row).Error
}

// GetSyncStatus returns the last recorded sync for every source.
func (s *Store) GetSyncStatus(ctx context.Context) ([]SyncStatus, error) {
	var rows []SyncStatus
	err := s.db.WithContext(ctx).Order("source_name ASC").Find(&rows).Error
	return rows, err
}

// Metrics summarizes validation activity for the review dashboard.
type Metrics struct {
	PendingCount       int64   `json:"pending_count"`
	ValidatedToday     int64   `json:"validated_today"`
	AutoValidationRate float64 `json:"auto_validation_rate"`
	UnauthorizedCount  int64   `json:"unauthorized_count"`
}

// GetMetrics computes dashboard metrics. Rates and unauthorized counts cover the last 30 days.
func (s *Store) GetMetrics(ctx context.Context, now time.Time) (*Metrics, error) {
	db := s.db.WithContext(ctx)
	m := &Metrics{}

	if err := db.Model(&Alert{}).Where("status = ?", AlertStatusPending).Count(&m.PendingCount).Error; err != nil {
		return nil, err
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UTC()
	now = now.UTC()
	if err := db.Model(&Validation{}).
		Where("validated_at >= ?", startOfDay).
		Where("status IN ?", []ValidationStatus{ValidationStatusAutoValidated, ValidationStatusManualValidated}).
		Count(&m.ValidatedToday).Error; err != nil {
		return nil, err
	}

	since := now.AddDate(0, 0, -30)
	var total, auto int64
	if err := db.Model(&Validation{}).Where("created_at >= ?", since).Count(&total).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Validation{}).
		Where("created_at >= ? AND status = ?", since, ValidationStatusAutoValidated).
		Count(&auto).Error; err != nil {
		return nil, err
	}
	if total > 0 {
		m.AutoValidationRate = float64(auto) / float64(total)
	}

	if err := db.Model(&Alert{}).
		Where("status = ? AND created_at >= ?", AlertStatusUnauthorized, since).
		Count(&m.UnauthorizedCount).Error; err != nil {
		return nil, err
	}

	return m, nil
}

// FactorsToJSONB converts a score breakdown into the JSONB column shape.
func FactorsToJSONB(factors map[string]float64) JSONB {
	out := make(JSONB, len(factors))
	for k, v := range factors {
		out[k] = v
	}
	return out
}

// MarshalRaw renders v as JSON for raw payload columns, or "" if it cannot.
func MarshalRaw(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
