// Package testhelpers provides reusable testing utilities for changeval.
//
// This package contains:
// - HTTP test helpers (requests, recorders, JSON decoding)
// - An in-memory SQLite database and store
// - A mock normalizer
// - Builders for alerts, changes and approved patches
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/otchange/changeval/internal/database"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ========================================
// HTTP Test Helpers
// ========================================

// HTTPTestContext holds components for HTTP handler testing
type HTTPTestContext struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
	Request  *http.Request
}

// NewHTTPTestContext creates a new HTTP test context
func NewHTTPTestContext(t *testing.T, method, path string, body io.Reader) *HTTPTestContext {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	return &HTTPTestContext{
		T:        t,
		Recorder: httptest.NewRecorder(),
		Request:  req,
	}
}

// WithHeader adds a header to the request
func (ctx *HTTPTestContext) WithHeader(key, value string) *HTTPTestContext {
	ctx.Request.Header.Set(key, value)
	return ctx
}

// WithJSONBody sets JSON body on the request
func (ctx *HTTPTestContext) WithJSONBody(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		ctx.T.Fatalf("failed to marshal JSON body: %v", err)
	}
	ctx.Request = httptest.NewRequest(ctx.Request.Method, ctx.Request.URL.String(), bytes.NewReader(body))
	ctx.Request.Header.Set("Content-Type", "application/json")
	return ctx
}

// WithBearerToken adds Authorization Bearer header
func (ctx *HTTPTestContext) WithBearerToken(token string) *HTTPTestContext {
	return ctx.WithHeader("Authorization", "Bearer "+token)
}

// Execute runs the handler and returns the response
func (ctx *HTTPTestContext) Execute(handler http.Handler) *HTTPTestContext {
	handler.ServeHTTP(ctx.Recorder, ctx.Request)
	return ctx
}

// AssertStatus checks the response status code
func (ctx *HTTPTestContext) AssertStatus(expected int) *HTTPTestContext {
	ctx.T.Helper()
	if ctx.Recorder.Code != expected {
		ctx.T.Errorf("expected status %d, got %d. Body: %s", expected, ctx.Recorder.Code, ctx.Recorder.Body.String())
	}
	return ctx
}

// AssertBodyContains checks if response body contains substring
func (ctx *HTTPTestContext) AssertBodyContains(substr string) *HTTPTestContext {
	ctx.T.Helper()
	body := ctx.Recorder.Body.String()
	if !strings.Contains(body, substr) {
		ctx.T.Errorf("expected body to contain %q, got: %s", substr, body)
	}
	return ctx
}

// DecodeJSON decodes response body as JSON
func (ctx *HTTPTestContext) DecodeJSON(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	if err := json.NewDecoder(ctx.Recorder.Body).Decode(v); err != nil {
		ctx.T.Fatalf("failed to decode JSON response: %v", err)
	}
	return ctx
}

// ========================================
// Database Helpers
// ========================================

// SetupTestDB opens a migrated in-memory SQLite database that is closed when
// the test ends. The pool is pinned to one connection so every query sees
// the same in-memory database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite://:memory:", gormlogger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// NewTestStore returns a store over a fresh in-memory database
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.NewStore(SetupTestDB(t), 64)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// ========================================
// Mock Normalizer
// ========================================

// MockNormalizer implements alerts.Normalizer for testing
type MockNormalizer struct {
	SourceType      database.SourceType
	Alerts          []database.Alert
	Err             error
	NormalizeCalled int
	LastPayload     []byte
}

// NewMockNormalizer creates a new mock normalizer
func NewMockNormalizer(sourceType database.SourceType) *MockNormalizer {
	return &MockNormalizer{SourceType: sourceType, Alerts: []database.Alert{}}
}

// GetSourceType returns the source type
func (m *MockNormalizer) GetSourceType() database.SourceType {
	return m.SourceType
}

// Normalize returns the configured alerts or error
func (m *MockNormalizer) Normalize(payload []byte) ([]database.Alert, error) {
	m.NormalizeCalled++
	m.LastPayload = payload
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Alerts, nil
}

// WithAlerts configures alerts to return from Normalize
func (m *MockNormalizer) WithAlerts(alerts ...database.Alert) *MockNormalizer {
	m.Alerts = alerts
	return m
}

// WithError configures Normalize to return an error
func (m *MockNormalizer) WithError(err error) *MockNormalizer {
	m.Err = err
	return m
}

// ========================================
// Timing Helpers
// ========================================

// MustCompleteWithin fails the test if the function takes longer than the timeout
func MustCompleteWithin(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		t.Fatalf("function did not complete within %v", timeout)
	}
}

// Eventually polls cond until it returns true or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
