package connectors

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/identifiers"
	"github.com/otchange/changeval/internal/logger"
	"github.com/sirupsen/logrus"
)

// WSUSSource is the sync status name of the approved-patch import
const WSUSSource = "wsus"

// ErrNoExport is returned when the export directory holds no CSV file
var ErrNoExport = errors.New("no patch export found")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// PatchStore is where approved patches are written
type PatchStore interface {
	UpsertApprovedPatch(ctx context.Context, patch *database.ApprovedPatch) error
	UpdateSyncStatus(ctx context.Context, source string, records int, status string, syncErr error) error
}

// ParsePatches reads a WSUS approved-update export. Rows without a KB number
// are skipped.
func ParsePatches(r io.Reader) ([]database.ApprovedPatch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch export: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read patch export header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := columns["kbnumber"]; !ok {
		return nil, fmt.Errorf("patch export is missing the KBNumber column")
	}

	get := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var patches []database.ApprovedPatch
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			logger.Log().WithError(err).WithField("line", line).Warn("Skipping unreadable patch row")
			continue
		}

		kb := identifiers.NormalizePatch(get(row, "kbnumber"))
		if kb == "" {
			continue
		}
		patch := database.ApprovedPatch{
			KBNumber:       kb,
			Title:          get(row, "title"),
			Classification: get(row, "classification"),
			TargetGroups:   splitGroups(get(row, "targetgroups")),
		}
		if t, ok := alerts.ParseTimestamp(get(row, "approvaldate"), ServiceNowDateLayouts); ok {
			patch.ApprovalDate = &t
		}
		patches = append(patches, patch)
	}
	return patches, nil
}

func splitGroups(value string) database.StringList {
	out := database.StringList{}
	for _, g := range strings.Split(value, ";") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// FindLatestExport returns the most recently modified CSV file in dir,
// creating dir when it does not exist.
func FindLatestExport(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return "", err
	}

	var latest string
	var latestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest, latestMod = m, info.ModTime()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoExport, dir)
	}
	return latest, nil
}

// WSUSImporter loads approved-patch exports into the store
type WSUSImporter struct {
	store     PatchStore
	exportDir string
}

// NewWSUSImporter creates an importer reading exports from exportDir
func NewWSUSImporter(store PatchStore, exportDir string) *WSUSImporter {
	return &WSUSImporter{store: store, exportDir: exportDir}
}

// ImportLatest imports the newest export in the configured directory
func (w *WSUSImporter) ImportLatest(ctx context.Context) (int, error) {
	path, err := FindLatestExport(w.exportDir)
	if err != nil {
		w.record(ctx, 0, err)
		return 0, err
	}
	return w.ImportFile(ctx, path)
}

// ImportFile imports the export at path
func (w *WSUSImporter) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		err = fmt.Errorf("failed to open patch export: %w", err)
		w.record(ctx, 0, err)
		return 0, err
	}
	defer f.Close()
	return w.Import(ctx, f)
}

// Import upserts every patch in the export read from r
func (w *WSUSImporter) Import(ctx context.Context, r io.Reader) (int, error) {
	patches, err := ParsePatches(r)
	if err != nil {
		w.record(ctx, 0, err)
		return 0, err
	}

	count := 0
	for i := range patches {
		if err := w.store.UpsertApprovedPatch(ctx, &patches[i]); err != nil {
			w.record(ctx, count, err)
			return count, err
		}
		count++
	}

	w.record(ctx, count, nil)
	logger.WithFields(logrus.Fields{"source": WSUSSource, "records": count}).Info("Approved patches imported")
	return count, nil
}

func (w *WSUSImporter) record(ctx context.Context, count int, importErr error) {
	status := "success"
	if importErr != nil {
		status = "failed"
		logger.Log().WithError(importErr).Error("Patch import failed")
	}
	if err := w.store.UpdateSyncStatus(ctx, WSUSSource, count, status, importErr); err != nil {
		logger.Log().WithError(err).Warn("Failed to update sync status")
	}
}
