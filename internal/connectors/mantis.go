package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
	"github.com/otchange/changeval/internal/logger"
	"github.com/sirupsen/logrus"
)

// MantisSource is the change source name recorded on synced Mantis issues
const MantisSource = "mantis"

const (
	mantisIssuesPath      = "/api/rest/issues"
	defaultMantisPageSize = 50
	mantisTicketPrefix    = "MANTIS-"
)

// MantisDateLayouts are the timestamp formats of the Mantis REST API
var MantisDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

var mantisAssetFields = map[string]bool{"asset": true, "server": true, "host": true}

// MantisConfig holds REST API connection settings
type MantisConfig struct {
	BaseURL   string
	APIToken  string
	ProjectID int
	PageSize  int
	Timeout   time.Duration
}

// IsConfigured reports whether the base url and token are set
func (c MantisConfig) IsConfigured() bool {
	return c.BaseURL != "" && c.APIToken != ""
}

// MantisClient reads issues from the Mantis Bug Tracker REST API
type MantisClient struct {
	cfg        MantisConfig
	httpClient *http.Client
}

// NewMantisClient creates a new Mantis client
func NewMantisClient(cfg MantisConfig) (*MantisClient, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("%w: mantis url and api token are required", ErrNotConfigured)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultMantisPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MantisClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type mantisRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type mantisCustomField struct {
	Field mantisRef `json:"field"`
	Value string    `json:"value"`
}

// MantisIssue is one issue as returned by /api/rest/issues
type MantisIssue struct {
	ID           int                 `json:"id"`
	Summary      string              `json:"summary"`
	Description  string              `json:"description"`
	Status       mantisRef           `json:"status"`
	Category     mantisRef           `json:"category"`
	Handler      mantisRef           `json:"handler"`
	CustomFields []mantisCustomField `json:"custom_fields"`
	CreatedAt    string              `json:"created_at"`
	UpdatedAt    string              `json:"updated_at"`
}

type mantisIssuesResponse struct {
	Issues []MantisIssue `json:"issues"`
}

// FetchIssues returns the first page of issues, filtered to the configured project
func (c *MantisClient) FetchIssues(ctx context.Context) ([]MantisIssue, error) {
	params := url.Values{}
	params.Set("page_size", strconv.Itoa(c.cfg.PageSize))
	if c.cfg.ProjectID > 0 {
		params.Set("project_id", strconv.Itoa(c.cfg.ProjectID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+mantisIssuesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build mantis request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mantis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mantis returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out mantisIssuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode mantis response: %w", err)
	}
	logger.WithFields(logrus.Fields{"records": len(out.Issues), "project_id": c.cfg.ProjectID}).Info("Fetched issues from Mantis")
	return out.Issues, nil
}

// NormalizeIssue maps a Mantis issue onto a Change. The issue's lifetime
// (created to last updated) stands in for the scheduled window.
func NormalizeIssue(issue MantisIssue) database.Change {
	asset := mantisAsset(issue)
	return database.Change{
		Source:              MantisSource,
		TicketID:            mantisTicketPrefix + strconv.Itoa(issue.ID),
		AssetName:           asset,
		AssetNameNormalized: alerts.NormalizeAssetName(asset),
		ChangeType:          DetermineChangeType(issue.Category.Name, issue.Summary),
		Description:         strings.TrimSpace(issue.Summary + "\n" + issue.Description),
		State:               issue.Status.Name,
		ScheduledStart:      parseMantisDate(issue.CreatedAt),
		ScheduledEnd:        parseMantisDate(issue.UpdatedAt),
		ApprovalStatus:      MapMantisStatus(issue.Status.Name),
		ApprovedBy:          issue.Handler.Name,
		EmbeddedIdentifiers: identifiers.Patches(issue.Summary + " " + issue.Description),
		RawData: database.JSONB{
			"id":       issue.ID,
			"summary":  issue.Summary,
			"status":   issue.Status.Name,
			"category": issue.Category.Name,
			"handler":  issue.Handler.Name,
		},
	}
}

// MapMantisStatus maps an issue status onto an approval status.
// Unknown statuses stay pending.
func MapMantisStatus(status string) database.ApprovalStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "resolved", "closed", "approved":
		return database.ApprovalStatusApproved
	case "rejected":
		return database.ApprovalStatusRejected
	default:
		return database.ApprovalStatusPending
	}
}

// mantisAsset reads the asset from an asset/server/host custom field
func mantisAsset(issue MantisIssue) string {
	for _, f := range issue.CustomFields {
		if mantisAssetFields[strings.ToLower(strings.TrimSpace(f.Field.Name))] {
			return strings.TrimSpace(f.Value)
		}
	}
	return ""
}

func parseMantisDate(value string) *time.Time {
	t, ok := alerts.ParseTimestamp(value, MantisDateLayouts)
	if !ok {
		return nil
	}
	return &t
}

// MantisSyncer copies Mantis issues into the store
type MantisSyncer struct {
	client *MantisClient
	store  ChangeStore
}

// NewMantisSyncer creates a new Mantis syncer
func NewMantisSyncer(client *MantisClient, store ChangeStore) *MantisSyncer {
	return &MantisSyncer{client: client, store: store}
}

// Sync fetches, normalizes and upserts issues, recording the outcome in the
// sync status table
func (s *MantisSyncer) Sync(ctx context.Context) (int, error) {
	issues, err := s.client.FetchIssues(ctx)
	if err != nil {
		s.record(ctx, 0, err)
		return 0, err
	}

	count := 0
	for _, issue := range issues {
		change := NormalizeIssue(issue)
		if err := s.store.UpsertChange(ctx, &change); err != nil {
			s.record(ctx, count, err)
			return count, fmt.Errorf("failed to upsert %s: %w", change.TicketID, err)
		}
		count++
	}

	s.record(ctx, count, nil)
	logger.WithFields(logrus.Fields{"source": MantisSource, "records": count}).Info("Mantis sync completed")
	return count, nil
}

func (s *MantisSyncer) record(ctx context.Context, count int, syncErr error) {
	status := "success"
	if syncErr != nil {
		status = "failed"
		logger.Log().WithError(syncErr).Error("Mantis sync failed")
	}
	if err := s.store.UpdateSyncStatus(ctx, MantisSource, count, status, syncErr); err != nil {
		logger.Log().WithError(err).Warn("Failed to update sync status")
	}
}
