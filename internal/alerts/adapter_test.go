package alerts

import (
	"testing"
	"time"

	"github.com/otchange/changeval/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAssetName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  SRV-SCADA01.corp ", "scada01"},
		{"wks_hmi02.local", "hmi02"},
		{"VM-historian", "historian"},
		{"host_plc7.internal", "plc7"},
		{"scada01.domain", "scada01"},
		{"All_Windows, Domain Controllers", "all_windows, domain controllers"},
		{"server01.example.com", "server01.example.com"},
		{"srvdb01", "srvdb01"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAssetName(tt.input))
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"1", 1},
		{"5", 5},
		{"9", 5},
		{"0", 1},
		{"-2", 1},
		{"Low", 1},
		{"informational", 1},
		{"Medium", 3},
		{"warning", 3},
		{"HIGH", 4},
		{"critical", 5},
		{"emergency", 5},
		{"bogus", DefaultSeverity},
		{"", DefaultSeverity},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseSeverity(tt.input))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	layouts := []string{"2006-01-02 15:04:05", "1/2/2006 3:04:05 PM"}

	ts, ok := ParseTimestamp("8/29/2025 11:47:47 AM", layouts)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 8, 29, 11, 47, 47, 0, time.UTC), ts)

	ts, ok = ParseTimestamp(" 2025-08-29 13:00:00 ", layouts)
	require.True(t, ok)
	assert.Equal(t, 13, ts.Hour())

	_, ok = ParseTimestamp("yesterday", layouts)
	assert.False(t, ok)

	_, ok = ParseTimestamp("", layouts)
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	// "é" is two bytes; cutting inside it backs off to the rune boundary
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestNewAlertID(t *testing.T) {
	now := time.Date(2025, 8, 29, 11, 47, 47, 0, time.UTC)
	first := NewAlertID("EMAIL", now)
	second := NewAlertID("EMAIL", now)

	assert.Regexp(t, `^EMAIL-20250829114747-[0-9a-f]{8}$`, first)
	assert.NotEqual(t, first, second)
}

func TestFinalize(t *testing.T) {
	t.Run("fills derived fields", func(t *testing.T) {
		alert := &database.Alert{
			AlertID:      "A-1",
			AssetName:    " SRV-SCADA01.corp ",
			ChangeDetail: "Installed KB5062070 under CHG0000338290",
			DetectedAt:   time.Now(),
			Severity:     8,
		}

		require.NoError(t, Finalize(alert))
		assert.Equal(t, "SRV-SCADA01.corp", alert.AssetName)
		assert.Equal(t, "scada01", alert.AssetNameNormalized)
		assert.Equal(t, 5, alert.Severity)
		assert.Equal(t, database.StringList{"CHG0000338290"}, alert.TicketIDs)
		assert.Equal(t, database.StringList{"KB5062070"}, alert.PatchIDs)
		assert.Equal(t, database.AlertStatusPending, alert.Status)
	})

	t.Run("default severity", func(t *testing.T) {
		alert := &database.Alert{AssetName: "hmi01", DetectedAt: time.Now()}
		require.NoError(t, Finalize(alert))
		assert.Equal(t, DefaultSeverity, alert.Severity)
	})

	t.Run("detection time in UTC", func(t *testing.T) {
		pdt := time.FixedZone("PDT", -7*60*60)
		alert := &database.Alert{AssetName: "hmi01", DetectedAt: time.Date(2025, 8, 29, 10, 0, 0, 0, pdt)}
		require.NoError(t, Finalize(alert))
		assert.Equal(t, time.UTC, alert.DetectedAt.Location())
		assert.Equal(t, 17, alert.DetectedAt.Hour())
	})

	t.Run("missing asset", func(t *testing.T) {
		err := Finalize(&database.Alert{AssetName: "  ", DetectedAt: time.Now()})
		assert.ErrorIs(t, err, ErrMissingAsset)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		err := Finalize(&database.Alert{AssetName: "hmi01"})
		assert.ErrorIs(t, err, ErrMissingTimestamp)
	})

	t.Run("raw payload bounded", func(t *testing.T) {
		raw := make([]byte, MaxRawPayload+100)
		for i := range raw {
			raw[i] = 'x'
		}
		alert := &database.Alert{AssetName: "hmi01", DetectedAt: time.Now(), RawPayload: string(raw)}
		require.NoError(t, Finalize(alert))
		assert.Len(t, alert.RawPayload, MaxRawPayload)
	})
}
