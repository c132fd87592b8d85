package adapters

import (
	"strings"
	"testing"
	"time"

	"github.com/otchange/changeval/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patchesExport = "\ufeffType,Asset Groups,Assets,Comment,Exception Detection Date,Patch ID,Service Pack In Effect\n" +
	"New,DSCADA_Servers,4,Activity from DSCADA Monthly Patching: CHG0000338290 CHG0000338289,8/29/2025 11:47:47 AM,KB5062070,0\n" +
	"Removed,DSCADA_Servers,1,Rollback,8/29/2025 13:02:10,KB5034441,0\n"

func TestNewExceptionExportAdapter(t *testing.T) {
	adapter := NewExceptionExportAdapter()
	require.NotNil(t, adapter)
	assert.Equal(t, database.SourceTypeCSVImport, adapter.GetSourceType())
}

func TestDetectExceptionType(t *testing.T) {
	tests := []struct {
		name     string
		headers  []string
		expected ExceptionType
	}{
		{"patches", []string{"Type", "Patch ID", "Service Pack In Effect"}, ExceptionPatchesInstalled},
		{"software", []string{"Type", "Software Name", "Software Version"}, ExceptionSoftwareInstalled},
		{"ports", []string{"Type", "Port", "Protocol", "Interface"}, ExceptionPortsAndServices},
		{"firewall", []string{"Type", "Policy ID", "Action"}, ExceptionFirewallRules},
		{"users", []string{"Type", "User ID", "User Type"}, ExceptionUserAccounts},
		{"interfaces", []string{"Type", "Interface Name", "MAC Address"}, ExceptionDeviceInterfaces},
		{"attributes", []string{"Type", "Attribute Name", "Attribute Value"}, ExceptionAssetDetails},
		{"unknown falls back", []string{"Type", "Something"}, ExceptionAssetDetails},
		{"case insensitive", []string{"type", "PATCH ID"}, ExceptionPatchesInstalled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectExceptionType(tt.headers))
		})
	}
}

func TestParseChangeAction(t *testing.T) {
	assert.Equal(t, ChangeActionNew, ParseChangeAction("New"))
	assert.Equal(t, ChangeActionRemoved, ParseChangeAction(" removed "))
	assert.Equal(t, ChangeActionChanged, ParseChangeAction("Changed"))
	assert.Equal(t, ChangeActionNew, ParseChangeAction(""))
}

func TestExceptionExportAdapter_ParseExport_Patches(t *testing.T) {
	adapter := NewExceptionExportAdapter()

	result, err := adapter.ParseExport(strings.NewReader(patchesExport))
	require.NoError(t, err)

	assert.Equal(t, ExceptionPatchesInstalled, result.ExceptionType)
	assert.Equal(t, 0, result.Skipped)
	require.Len(t, result.Alerts, 2)

	first := result.Alerts[0]
	assert.Equal(t, "DSCADA_Servers", first.AssetName)
	assert.Equal(t, "dscada_servers", first.AssetNameNormalized)
	assert.Equal(t, string(ExceptionPatchesInstalled), first.ChangeCategory)
	assert.Equal(t, string(ChangeActionNew), first.ChangeAction)
	assert.Equal(t, time.Date(2025, 8, 29, 11, 47, 47, 0, time.UTC), first.DetectedAt)
	assert.Equal(t, database.SourceTypeCSVImport, first.SourceType)
	assert.Equal(t, database.StringList{"CHG0000338290", "CHG0000338289"}, first.TicketIDs)
	assert.Equal(t, database.StringList{"KB5062070"}, first.PatchIDs)
	assert.Equal(t, "KB5062070", first.Details["patch_id"])
	assert.Equal(t, 4, first.Details["asset_count"])
	assert.Regexp(t, `^CSV-\d{14}-[0-9a-f]{6}-1$`, first.AlertID)

	second := result.Alerts[1]
	assert.Equal(t, string(ChangeActionRemoved), second.ChangeAction)
	assert.Equal(t, database.StringList{"KB5034441"}, second.PatchIDs)
	assert.NotEqual(t, first.AlertID, second.AlertID)
}

func TestExceptionExportAdapter_ParseExport_SkipsBadDates(t *testing.T) {
	adapter := NewExceptionExportAdapter()
	export := "Type,Asset Groups,Assets,Comment,Exception Detection Date,Software Name,Software Version\n" +
		"New,HMI,1,first,8/29/2025 11:47 AM,Notepad++,8.6\n" +
		"New,HMI,1,second,not a date,Wireshark,4.2\n" +
		"Changed,,1,third,2025-08-29T12:00:00,Putty,0.80\n"

	result, err := adapter.ParseExport(strings.NewReader(export))
	require.NoError(t, err)

	assert.Equal(t, ExceptionSoftwareInstalled, result.ExceptionType)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Alerts, 2)
	assert.Equal(t, "Notepad++", result.Alerts[0].Details["software_name"])
	assert.Equal(t, UnknownAsset, result.Alerts[1].AssetName)
	assert.Equal(t, string(ChangeActionChanged), result.Alerts[1].ChangeAction)
}

func TestExceptionExportAdapter_ParseExport_TypedColumns(t *testing.T) {
	adapter := NewExceptionExportAdapter()

	ports := "Type,Asset Groups,Assets,Comment,Exception Detection Date,Port,Protocol,IP Version,Interface,Process\n" +
		"New,PLC_Net,2,,8/29/2025 11:47:47 AM,502,TCP,4,eth0,modbusd\n"
	result, err := adapter.ParseExport(strings.NewReader(ports))
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	assert.Equal(t, 502, result.Alerts[0].Details["port"])
	assert.Equal(t, 4, result.Alerts[0].Details["ip_version"])

	users := "Type,Asset Groups,Assets,Comment,Exception Detection Date,User ID,User Type,Domain,Member of,Enabled\n" +
		"New,DC,1,,8/29/2025 11:47:47 AM,svc_backup,Local,PLANT,Administrators,True\n"
	result, err = adapter.ParseExport(strings.NewReader(users))
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	assert.Equal(t, true, result.Alerts[0].Details["enabled"])
}

func TestExceptionExportAdapter_ParseExport_Empty(t *testing.T) {
	adapter := NewExceptionExportAdapter()

	_, err := adapter.ParseExport(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrMalformed)

	result, err := adapter.ParseExport(strings.NewReader("Type,Asset Groups,Comment,Exception Detection Date,Patch ID\n"))
	require.NoError(t, err)
	assert.Empty(t, result.Alerts)
}

func TestExceptionExportAdapter_Normalize(t *testing.T) {
	adapter := NewExceptionExportAdapter()

	alerts, err := adapter.Normalize([]byte(patchesExport))
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}
