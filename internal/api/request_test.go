package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSON_DecisionRequest(t *testing.T) {
	r := newRequest(`{"status":"manual_validated","notes":"Vendor visit, ticket raised late"}`)

	var dst DecisionRequest
	if err := DecodeJSON(r, &dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst.Status != "manual_validated" {
		t.Errorf("status = %q, want %q", dst.Status, "manual_validated")
	}
	if dst.Notes != "Vendor visit, ticket raised late" {
		t.Errorf("notes = %q", dst.Notes)
	}
}

func TestDecodeJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"empty body", "", "request body is empty"},
		{"malformed", `{invalid}`, "malformed JSON"},
		{"type mismatch", `{"status":42}`, "invalid value"},
		{"unknown field", `{"status":"unauthorized","reviewer":"someone"}`, "unknown field"},
		{"oversized", `{"notes":"` + strings.Repeat("x", MaxBodySize+1) + `"}`, "exceeds maximum size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst DecisionRequest
			err := DecodeJSON(newRequest(tt.body), &dst)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "/auth/login", nil)

	var dst LoginRequest
	err := DecodeJSON(r, &dst)
	if err == nil || err.Error() != "request body is empty" {
		t.Fatalf("error = %v, want %q", err, "request body is empty")
	}
}

func TestPathID(t *testing.T) {
	tests := []struct {
		value   string
		want    uint
		wantErr bool
	}{
		{"42", 42, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/alerts/x/validations", nil)
			r.SetPathValue("id", tt.value)
			got, err := PathID(r, "id")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PathID = %d, want %d", got, tt.want)
			}
		})
	}
}

// newRequest creates an http.Request with the given JSON body.
func newRequest(body string) *http.Request {
	r, _ := http.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}
