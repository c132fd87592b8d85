package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/otchange/changeval/internal/api"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/middleware"
	"github.com/otchange/changeval/internal/services"
	"github.com/otchange/changeval/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reviewFixture struct {
	store *database.Store
	mux   *http.ServeMux
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	store := testhelpers.NewTestStore(t)
	mux := http.NewServeMux()
	NewReviewHandler(store, services.NewReviewService(store)).SetupRoutes(mux)
	return &reviewFixture{store: store, mux: mux}
}

func (f *reviewFixture) insert(t *testing.T, alert database.Alert) uint {
	t.Helper()
	id, err := f.store.InsertAlert(context.Background(), &alert)
	require.NoError(t, err)
	return id
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func asUser(ctx *testhelpers.HTTPTestContext, user string, role database.ReviewerRole) *testhelpers.HTTPTestContext {
	if user == "" {
		return ctx
	}
	id := middleware.Identity{Username: user, Role: role}
	ctx.Request = ctx.Request.WithContext(middleware.WithIdentity(ctx.Request.Context(), id))
	return ctx
}

func asReviewer(ctx *testhelpers.HTTPTestContext, user string) *testhelpers.HTTPTestContext {
	return asUser(ctx, user, database.ReviewerRoleReviewer)
}

func TestReviewHandler_Pending(t *testing.T) {
	f := newReviewFixture(t)
	f.insert(t, testhelpers.NewAlertBuilder().WithAlertID("A-low").WithSeverity(2).Build())
	f.insert(t, testhelpers.NewAlertBuilder().WithAlertID("A-high").WithSeverity(5).Build())
	f.insert(t, testhelpers.NewAlertBuilder().WithAlertID("A-mid").WithSeverity(4).Build())

	var resp api.PendingAlertsResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/alerts/pending?limit=2", nil).
		Execute(f.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Alerts, 2)
	assert.Equal(t, "A-high", resp.Alerts[0].AlertID)
	assert.Equal(t, "A-mid", resp.Alerts[1].AlertID)
}

func TestReviewHandler_Decision(t *testing.T) {
	f := newReviewFixture(t)
	id := f.insert(t, testhelpers.NewAlertBuilder().WithAlertID("A-1").Build())

	ctx := testhelpers.NewHTTPTestContext(t, http.MethodPost, "/api/alerts/"+itoa(id)+"/decision", nil).
		WithJSONBody(api.DecisionRequest{Status: "unauthorized", Notes: "no ticket covers this"})
	asReviewer(ctx, "reviewer").Execute(f.mux).AssertStatus(http.StatusCreated)

	var v database.Validation
	ctx.DecodeJSON(&v)
	assert.Equal(t, database.ValidationStatusUnauthorized, v.Status)
	assert.Equal(t, "reviewer", v.ValidatedBy)
	assert.Equal(t, database.ReviewerRoleReviewer, v.ReviewerRole)
	assert.Equal(t, services.RuleManualReview, v.Rule)

	alert, err := f.store.GetAlert(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, database.AlertStatusUnauthorized, alert.Status)

	var history api.ValidationHistoryResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/alerts/"+itoa(id)+"/validations", nil).
		Execute(f.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&history)
	assert.Equal(t, "A-1", history.Alert.AlertID)
	require.Len(t, history.Validations, 1)
	assert.Equal(t, "no ticket covers this", history.Validations[0].Notes)
}

func TestReviewHandler_DecisionErrors(t *testing.T) {
	f := newReviewFixture(t)
	id := f.insert(t, testhelpers.NewAlertBuilder().Build())

	tests := []struct {
		name   string
		path   string
		body   interface{}
		user   string
		status int
	}{
		{"bad id", "/api/alerts/abc/decision", api.DecisionRequest{Status: "unauthorized"}, "reviewer", http.StatusBadRequest},
		{"unknown status", "/api/alerts/" + itoa(id) + "/decision", api.DecisionRequest{Status: "auto_validated"}, "reviewer", http.StatusUnprocessableEntity},
		{"unknown field", "/api/alerts/" + itoa(id) + "/decision", map[string]string{"status": "unauthorized", "ticket": "x"}, "reviewer", http.StatusBadRequest},
		{"no reviewer", "/api/alerts/" + itoa(id) + "/decision", api.DecisionRequest{Status: "unauthorized"}, "", http.StatusUnauthorized},
		{"missing alert", "/api/alerts/9999/decision", api.DecisionRequest{Status: "manual_validated"}, "reviewer", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testhelpers.NewHTTPTestContext(t, http.MethodPost, tt.path, nil).WithJSONBody(tt.body)
			asReviewer(ctx, tt.user).Execute(f.mux).AssertStatus(tt.status)
		})
	}

	alert, err := f.store.GetAlert(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, database.AlertStatusPending, alert.Status)
}

func TestReviewHandler_ObserverCannotDecide(t *testing.T) {
	f := newReviewFixture(t)
	id := f.insert(t, testhelpers.NewAlertBuilder().Build())

	ctx := testhelpers.NewHTTPTestContext(t, http.MethodPost, "/api/alerts/"+itoa(id)+"/decision", nil).
		WithJSONBody(api.DecisionRequest{Status: "manual_validated"})
	asUser(ctx, "shift-lead", database.ReviewerRoleObserver).Execute(f.mux).AssertStatus(http.StatusForbidden)

	history, err := f.store.ListValidations(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReviewHandler_HistoryNotFound(t *testing.T) {
	f := newReviewFixture(t)

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/alerts/42/validations", nil).
		Execute(f.mux).
		AssertStatus(http.StatusNotFound).
		AssertBodyContains("Alert not found")
}

func TestReviewHandler_Summary(t *testing.T) {
	f := newReviewFixture(t)
	f.insert(t, testhelpers.NewAlertBuilder().WithAlertID("A-1").Build())
	f.insert(t, testhelpers.NewAlertBuilder().WithAlertID("A-2").Build())
	require.NoError(t, f.store.UpdateSyncStatus(context.Background(), "wsus", 12, "success", nil))

	var resp api.SummaryResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/summary", nil).
		Execute(f.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	require.NotNil(t, resp.Metrics)
	assert.Equal(t, int64(2), resp.Metrics.PendingCount)
	require.Len(t, resp.Sync, 1)
	assert.Equal(t, "wsus", resp.Sync[0].SourceName)
}

type failingQueue struct{ ReviewQueue }

func (failingQueue) GetPendingAlerts(ctx context.Context, limit int) ([]database.Alert, error) {
	return nil, errors.New("database is locked")
}

func (failingQueue) GetMetrics(ctx context.Context, now time.Time) (*database.Metrics, error) {
	return nil, errors.New("database is locked")
}

func TestReviewHandler_StoreFailures(t *testing.T) {
	mux := http.NewServeMux()
	NewReviewHandler(failingQueue{}, nil).SetupRoutes(mux)

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/alerts/pending", nil).
		Execute(mux).
		AssertStatus(http.StatusInternalServerError)
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/summary", nil).
		Execute(mux).
		AssertStatus(http.StatusInternalServerError)
}
