package api

import "github.com/otchange/changeval/internal/database"

// AlertToListItem converts a database Alert to its queue representation.
func AlertToListItem(a database.Alert) AlertListItem {
	return AlertListItem{
		ID:             a.ID,
		AlertID:        a.AlertID,
		SourceType:     a.SourceType,
		AssetName:      a.AssetName,
		ChangeCategory: a.ChangeCategory,
		ChangeAction:   a.ChangeAction,
		ChangeDetail:   a.ChangeDetail,
		Severity:       a.Severity,
		DetectedAt:     a.DetectedAt,
		Status:         a.Status,
		TicketIDs:      a.TicketIDs,
		PatchIDs:       a.PatchIDs,
		Details:        a.Details,
	}
}

// AlertsToListItems converts a slice of database Alerts to list items.
func AlertsToListItems(alerts []database.Alert) []AlertListItem {
	items := make([]AlertListItem, len(alerts))
	for i, a := range alerts {
		items[i] = AlertToListItem(a)
	}
	return items
}
