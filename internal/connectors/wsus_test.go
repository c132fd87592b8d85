package connectors

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patchExport = "\xEF\xBB\xBFKBNumber,Title,Classification,ApprovalDate,TargetGroups\n" +
	"KB5062070,2025-07 Cumulative Update,Security Updates,2025-07-10,OT Servers; HMI\n" +
	"5034441,Servicing Stack Update,Critical Updates,07/15/2025,\n" +
	",Orphan row,Updates,2025-07-01,OT Servers\n"

func TestParsePatches(t *testing.T) {
	patches, err := ParsePatches(strings.NewReader(patchExport))
	require.NoError(t, err)
	require.Len(t, patches, 2)

	assert.Equal(t, "KB5062070", patches[0].KBNumber)
	assert.Equal(t, "2025-07 Cumulative Update", patches[0].Title)
	assert.Equal(t, "Security Updates", patches[0].Classification)
	assert.Equal(t, database.StringList{"OT Servers", "HMI"}, patches[0].TargetGroups)
	require.NotNil(t, patches[0].ApprovalDate)
	assert.Equal(t, time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC), *patches[0].ApprovalDate)

	assert.Equal(t, "KB5034441", patches[1].KBNumber)
	assert.Empty(t, patches[1].TargetGroups)
	require.NotNil(t, patches[1].ApprovalDate)
	assert.Equal(t, time.July, patches[1].ApprovalDate.Month())
}

func TestParsePatches_MissingColumn(t *testing.T) {
	_, err := ParsePatches(strings.NewReader("Title,Classification\nfoo,bar\n"))
	assert.Error(t, err)

	_, err = ParsePatches(strings.NewReader(""))
	assert.Error(t, err)
}

func TestFindLatestExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")

	_, err := FindLatestExport(dir)
	assert.ErrorIs(t, err, ErrNoExport)
	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr, "export directory should be created")

	older := testhelpers.WriteTestFile(t, dir, "approved-2025-07.csv", patchExport)
	newer := testhelpers.WriteTestFile(t, dir, "approved-2025-08.csv", patchExport)
	testhelpers.WriteTestFile(t, dir, "notes.txt", "ignore me")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	latest, err := FindLatestExport(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, latest)
}

func TestWSUSImporter_ImportLatest(t *testing.T) {
	store := testhelpers.NewTestStore(t)
	dir := t.TempDir()
	testhelpers.WriteTestFile(t, dir, "approved.csv", patchExport)
	ctx := context.Background()

	count, err := NewWSUSImporter(store, dir).ImportLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ok, err := store.IsPatchApproved(ctx, "KB5062070")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.IsPatchApproved(ctx, "KB5034441")
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := store.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, WSUSSource, rows[0].SourceName)
	assert.Equal(t, 2, rows[0].RecordsSynced)
}

func TestWSUSImporter_NoExportRecordsFailure(t *testing.T) {
	store := testhelpers.NewTestStore(t)

	_, err := NewWSUSImporter(store, t.TempDir()).ImportLatest(context.Background())
	require.ErrorIs(t, err, ErrNoExport)

	rows, err := store.GetSyncStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0].Status)
}
