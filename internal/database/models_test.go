package database

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJSONB_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
	}{
		{
			name:    "nil value",
			input:   nil,
			wantErr: false,
		},
		{
			name:    "valid JSON bytes",
			input:   []byte(`{"key": "value"}`),
			wantErr: false,
		},
		{
			name:    "valid JSON string",
			input:   `{"port": 502}`,
			wantErr: false,
		},
		{
			name:    "invalid JSON",
			input:   []byte(`not json`),
			wantErr: true,
		},
		{
			name:    "wrong type",
			input:   42,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONB
			err := j.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONB_Value(t *testing.T) {
	tests := []struct {
		name    string
		jsonb   JSONB
		wantNil bool
	}{
		{
			name:    "nil JSONB",
			jsonb:   nil,
			wantNil: true,
		},
		{
			name:    "empty JSONB",
			jsonb:   JSONB{},
			wantNil: false,
		},
		{
			name:    "populated JSONB",
			jsonb:   JSONB{"key": "value"},
			wantNil: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := tt.jsonb.Value()
			if err != nil {
				t.Errorf("Value() error = %v", err)
			}
			if tt.wantNil && value != nil {
				t.Errorf("Value() = %v, want nil", value)
			}
			if !tt.wantNil && value == nil {
				t.Error("Value() = nil, want non-nil")
			}
		})
	}
}

func TestStringList_Scan(t *testing.T) {
	var s StringList
	if err := s.Scan(`["CHG0000000001","CHG0000000002"]`); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(s) != 2 || s[1] != "CHG0000000002" {
		t.Errorf("Scan() = %v", s)
	}

	if err := s.Scan(nil); err != nil || len(s) != 0 {
		t.Errorf("Scan(nil) = %v, %v", s, err)
	}
	if err := s.Scan([]byte("")); err != nil || len(s) != 0 {
		t.Errorf("Scan(empty) = %v, %v", s, err)
	}
	if err := s.Scan(3.14); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestStringList_Value(t *testing.T) {
	var empty StringList
	v, err := empty.Value()
	if err != nil || v != "[]" {
		t.Errorf("nil Value() = %v, %v, want []", v, err)
	}

	v, err = StringList{"KB5062070"}.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	var out []string
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil || out[0] != "KB5062070" {
		t.Errorf("Value() = %v", v)
	}
}

func TestStringList_Contains(t *testing.T) {
	s := StringList{"KB5062070", "KB5034441"}
	if !s.Contains("KB5034441") {
		t.Error("expected KB5034441 to be contained")
	}
	if s.Contains("kb5034441") {
		t.Error("Contains should be case-sensitive")
	}
}

func TestModels_TableNames(t *testing.T) {
	tests := []struct {
		name  string
		table interface{ TableName() string }
		want  string
	}{
		{"alert", Alert{}, "alerts"},
		{"change", Change{}, "changes"},
		{"approved patch", ApprovedPatch{}, "approved_patches"},
		{"validation", Validation{}, "validations"},
		{"sync status", SyncStatus{}, "sync_status"},
		{"audit log", AuditLog{}, "audit_log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.table.TableName(); got != tt.want {
				t.Errorf("TableName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidation_BeforeCreate(t *testing.T) {
	v := &Validation{}
	if err := v.BeforeCreate(nil); err != nil {
		t.Fatalf("BeforeCreate() error = %v", err)
	}
	if len(v.UUID) != 36 {
		t.Errorf("expected generated UUID, got %q", v.UUID)
	}

	v = &Validation{UUID: "fixed"}
	_ = v.BeforeCreate(nil)
	if v.UUID != "fixed" {
		t.Errorf("existing UUID overwritten: %q", v.UUID)
	}
}

func TestAuditLog_BeforeCreate(t *testing.T) {
	a := &AuditLog{}
	before := time.Now()
	_ = a.BeforeCreate(nil)
	if a.Timestamp.Before(before) {
		t.Errorf("Timestamp not set: %v", a.Timestamp)
	}
}
