package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"finledger/internal/core"
	"finledger/internal/storage"
)

// ExportHeader is the column layout of CSV and spreadsheet exports.
var ExportHeader = []string{"Timestamp", "ActorId", "Action", "EntityId", "Changes", "Source"}

// Row renders one entry in ExportHeader order.
func Row(e core.AuditEntry) []string {
	return []string{
		storage.FormatTime(e.Timestamp),
		e.ActorID,
		string(e.Action),
		e.EntityID,
		FormatChanges(e.Changes),
		e.Metadata.Source,
	}
}

// FormatChanges serializes changes as "field: old → new; ...".
func FormatChanges(changes []core.FieldChange) string {
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		parts = append(parts, fmt.Sprintf("%s: %s → %s", c.Field, formatValue(c.Old), formatValue(c.New)))
	}
	return strings.Join(parts, "; ")
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// ExportCSV writes a header and one row per entry.
func ExportCSV(w io.Writer, entries []core.AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		if err := cw.Write(Row(e)); err != nil {
			return fmt.Errorf("write audit entry %s: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
