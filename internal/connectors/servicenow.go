// Package connectors pulls authorized-change and approved-patch data from
// the systems of record into the local store.
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/services"
	"github.com/sirupsen/logrus"
)

// ServiceNowSource is the change source name recorded on synced changes
const ServiceNowSource = "servicenow"

// ErrNotConfigured is returned when a connector lacks its endpoint or credentials
var ErrNotConfigured = errors.New("connector is not configured")

const changeRequestPath = "/api/now/table/change_request"

var changeFields = []string{
	"number", "short_description", "description",
	"cmdb_ci", "start_date", "end_date",
	"state", "approval", "assigned_to", "assignment_group",
	"sys_created_on", "sys_updated_on", "close_code",
	"u_change_type", "category", "type",
}

// ServiceNowDateLayouts are the date formats returned by the Table API
var ServiceNowDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

var approvalMapping = map[string]database.ApprovalStatus{
	"approved":          database.ApprovalStatusApproved,
	"requested":         database.ApprovalStatusPending,
	"not requested":     database.ApprovalStatusPending,
	"not yet requested": database.ApprovalStatusPending,
	"rejected":          database.ApprovalStatusRejected,
	"cancelled":         database.ApprovalStatusCancelled,
}

// ServiceNowConfig holds Table API connection settings
type ServiceNowConfig struct {
	InstanceURL     string
	Username        string
	Password        string
	AssignmentGroup string
	Timeout         time.Duration
}

// IsConfigured reports whether the instance and credentials are set
func (c ServiceNowConfig) IsConfigured() bool {
	return c.InstanceURL != "" && c.Username != "" && c.Password != ""
}

// ServiceNowClient reads change requests from the ServiceNow Table API
type ServiceNowClient struct {
	cfg        ServiceNowConfig
	httpClient *http.Client
}

// NewServiceNowClient creates a new ServiceNow client
func NewServiceNowClient(cfg ServiceNowConfig) (*ServiceNowClient, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("%w: servicenow instance url and credentials are required", ErrNotConfigured)
	}
	cfg.InstanceURL = strings.TrimRight(cfg.InstanceURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ServiceNowClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// field is a Table API value rendered with sysparm_display_value=all
type field struct {
	Value        string `json:"value"`
	DisplayValue string `json:"display_value"`
}

// UnmarshalJSON accepts both the object form and a bare string
func (f *field) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f.Value, f.DisplayValue = s, s
		return nil
	}
	type plain field
	return json.Unmarshal(data, (*plain)(f))
}

func (f field) String() string {
	if f.DisplayValue != "" {
		return f.DisplayValue
	}
	return f.Value
}

// ChangeRecord is one change_request row
type ChangeRecord map[string]field

func (r ChangeRecord) get(key string) string {
	return strings.TrimSpace(r[key].String())
}

func (r ChangeRecord) raw(key string) string {
	return strings.TrimSpace(r[key].Value)
}

type tableResponse struct {
	Result []ChangeRecord `json:"result"`
}

// FetchRecentChanges returns change requests updated in the last window
func (c *ServiceNowClient) FetchRecentChanges(ctx context.Context, window time.Duration) ([]ChangeRecord, error) {
	minutes := int(window.Minutes())
	if minutes <= 0 {
		minutes = 30
	}
	query := []string{fmt.Sprintf("sys_updated_on>javascript:gs.minutesAgoStart(%d)", minutes)}
	if c.cfg.AssignmentGroup != "" {
		query = append(query, "assignment_group.name="+c.cfg.AssignmentGroup)
	}
	records, err := c.query(ctx, strings.Join(query, "^"), 200)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"records": len(records), "window_minutes": minutes}).Info("Fetched changes from ServiceNow")
	return records, nil
}

// LookupChangesByTicketIDs fetches the named change requests and normalizes them
func (c *ServiceNowClient) LookupChangesByTicketIDs(ctx context.Context, ticketIDs []string) ([]database.Change, error) {
	if len(ticketIDs) == 0 {
		return []database.Change{}, nil
	}
	records, err := c.query(ctx, "numberIN"+strings.Join(ticketIDs, ","), len(ticketIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrLookupUnavailable, err)
	}
	changes := make([]database.Change, 0, len(records))
	for _, r := range records {
		changes = append(changes, NormalizeChange(r))
	}
	return changes, nil
}

func (c *ServiceNowClient) query(ctx context.Context, sysparmQuery string, limit int) ([]ChangeRecord, error) {
	params := url.Values{}
	params.Set("sysparm_query", sysparmQuery)
	params.Set("sysparm_fields", strings.Join(changeFields, ","))
	params.Set("sysparm_limit", fmt.Sprintf("%d", limit))
	params.Set("sysparm_display_value", "all")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.InstanceURL+changeRequestPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build servicenow request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("servicenow request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("servicenow returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode servicenow response: %w", err)
	}
	return out.Result, nil
}

// NormalizeChange maps a change_request row onto a Change
func NormalizeChange(r ChangeRecord) database.Change {
	asset := r.get("cmdb_ci")
	description := r.get("description")

	change := database.Change{
		Source:              ServiceNowSource,
		TicketID:            strings.ToUpper(r.get("number")),
		AssetName:           asset,
		AssetNameNormalized: alerts.NormalizeAssetName(asset),
		ChangeType:          DetermineChangeType(r.get("u_change_type"), r.get("short_description")),
		Description:         description,
		State:               changeState(r.get("state"), r.get("close_code")),
		ScheduledStart:      parseServiceNowDate(r.get("start_date")),
		ScheduledEnd:        parseServiceNowDate(r.get("end_date")),
		ApprovalStatus:      MapApproval(r.raw("approval")),
		ApprovedBy:          r.get("assigned_to"),
		EmbeddedIdentifiers: identifiers.Patches(description + " " + r.get("short_description")),
		RawData:             recordJSONB(r),
	}
	return change
}

// MapApproval maps a ServiceNow approval value onto an approval status
func MapApproval(value string) database.ApprovalStatus {
	if status, ok := approvalMapping[strings.ToLower(strings.TrimSpace(value))]; ok {
		return status
	}
	return database.ApprovalStatusPending
}

// DetermineChangeType classifies a change from its custom type field, then
// from keywords in the short description
func DetermineChangeType(customType, shortDescription string) string {
	customType = strings.ToLower(customType)
	switch {
	case customType == "":
	case strings.Contains(customType, "patch") || strings.Contains(customType, "update"):
		return "patch"
	case strings.Contains(customType, "config"):
		return "config"
	case strings.Contains(customType, "software") || strings.Contains(customType, "install"):
		return "software"
	}

	desc := strings.ToLower(shortDescription)
	switch {
	case containsAny(desc, "patch", "update", "kb", "hotfix"):
		return "patch"
	case containsAny(desc, "config", "setting", "parameter"):
		return "config"
	case containsAny(desc, "install", "software", "application"):
		return "software"
	case containsAny(desc, "user", "account", "access"):
		return "user"
	default:
		return "general"
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// changeState joins the state with its close code, e.g. "Closed Successful"
func changeState(state, closeCode string) string {
	if closeCode == "" || strings.Contains(strings.ToLower(state), strings.ToLower(closeCode)) {
		return state
	}
	return strings.TrimSpace(state + " " + closeCode)
}

func parseServiceNowDate(value string) *time.Time {
	t, ok := alerts.ParseTimestamp(value, ServiceNowDateLayouts)
	if !ok {
		return nil
	}
	return &t
}

func recordJSONB(r ChangeRecord) database.JSONB {
	out := make(database.JSONB, len(r))
	for k, v := range r {
		out[k] = v.String()
	}
	return out
}

// ChangeStore is where synced changes are written
type ChangeStore interface {
	UpsertChange(ctx context.Context, change *database.Change) error
	UpdateSyncStatus(ctx context.Context, source string, records int, status string, syncErr error) error
}

// ServiceNowSyncer copies recent change requests into the store
type ServiceNowSyncer struct {
	client *ServiceNowClient
	store  ChangeStore
	window time.Duration
}

// NewServiceNowSyncer creates a syncer that looks back over window on each run
func NewServiceNowSyncer(client *ServiceNowClient, store ChangeStore, window time.Duration) *ServiceNowSyncer {
	return &ServiceNowSyncer{client: client, store: store, window: window}
}

// Sync fetches, normalizes and upserts recent changes, recording the outcome
// in the sync status table
func (s *ServiceNowSyncer) Sync(ctx context.Context) (int, error) {
	records, err := s.client.FetchRecentChanges(ctx, s.window)
	if err != nil {
		s.record(ctx, 0, err)
		return 0, err
	}

	count := 0
	for _, r := range records {
		change := NormalizeChange(r)
		if change.TicketID == "" {
			continue
		}
		if err := s.store.UpsertChange(ctx, &change); err != nil {
			s.record(ctx, count, err)
			return count, fmt.Errorf("failed to upsert %s: %w", change.TicketID, err)
		}
		count++
	}

	s.record(ctx, count, nil)
	logger.WithFields(logrus.Fields{"source": ServiceNowSource, "records": count}).Info("ServiceNow sync completed")
	return count, nil
}

func (s *ServiceNowSyncer) record(ctx context.Context, count int, syncErr error) {
	status := "success"
	if syncErr != nil {
		status = "failed"
		logger.Log().WithError(syncErr).Error("ServiceNow sync failed")
	}
	if err := s.store.UpdateSyncStatus(ctx, ServiceNowSource, count, status, syncErr); err != nil {
		logger.Log().WithError(err).Warn("Failed to update sync status")
	}
}
