package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
)

// eventImporter loads historical event rosters. Duplicate key is
// (eventDate, venue) with venue matched prefix-tolerantly on the existing
// side, so "MSG" matches an earlier "MSG - Main Concourse" row.
type eventImporter struct{}

func (eventImporter) kind() domain.ImportKind { return domain.ImportKindEvents }

func (eventImporter) keywords() map[string][]string {
	return map[string][]string{
		"event_date":  {"date"},
		"venue":       {"venue", "location"},
		"city":        {"city"},
		"state":       {"state", "st"},
		"ambassadors": {"ambassador", "staff", "rep"},
		"event_type":  {"type"},
		"start_time":  {"start"},
		"end_time":    {"end"},
		"notes":       {"note", "comment"},
	}
}

func (eventImporter) defaultMapping() map[string]int {
	return map[string]int{
		"event_date":  0,
		"venue":       1,
		"city":        2,
		"state":       3,
		"ambassadors": 4,
	}
}

func (eventImporter) handleRow(ctx context.Context, b Backend, res *resolver, importID string, row []string, mapping map[string]int, opts Options) rowOutcome {
	date, err := parseDate(cell(row, mapping, "event_date"), opts.DefaultYear)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	if date == nil {
		return rowOutcome{status: domain.RowError, action: "none", message: "missing event date"}
	}
	venue := cell(row, mapping, "venue")
	if venue == "" {
		return rowOutcome{status: domain.RowError, action: "none", message: "missing venue"}
	}

	existingID, found, err := b.FindEvent(ctx, *date, venue)
	if err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	if found {
		return rowOutcome{
			status:   domain.RowDuplicate,
			action:   "skipped",
			message:  fmt.Sprintf("event at %s on %s already exists", venue, date.Format("2006-01-02")),
			entityID: &existingID,
		}
	}

	batchID := importID
	ev := &domain.Event{
		ID:            uuid.NewString(),
		Title:         venue + " " + date.Format("Jan 2"),
		Venue:         venue,
		EventDate:     *date,
		Timezone:      "America/New_York",
		City:          cell(row, mapping, "city"),
		State:         strings.ToUpper(cell(row, mapping, "state")),
		Status:        domain.EventCompleted, // historical rows arrive finished
		EventType:     cell(row, mapping, "event_type"),
		Notes:         cell(row, mapping, "notes"),
		ImportBatchID: &batchID,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if st := cell(row, mapping, "start_time"); st != "" {
		ev.StartTime = &st
	}
	if et := cell(row, mapping, "end_time"); et != "" {
		ev.EndTime = &et
	}

	var (
		ambassadorIDs []string
		unresolved    []string
	)
	for _, name := range splitAmbassadors(cell(row, mapping, "ambassadors")) {
		if a := res.ambassador(name); a != nil {
			ambassadorIDs = append(ambassadorIDs, a.ID)
		} else {
			unresolved = append(unresolved, name)
		}
	}

	if _, err := b.ApplyEvent(ctx, importID, ev, ambassadorIDs); err != nil {
		return rowOutcome{status: domain.RowError, action: "none", message: err.Error()}
	}
	audit(ctx, b, importID, "create", "event", ev.ID, map[string]any{
		"venue": ev.Venue, "eventDate": date.Format("2006-01-02"), "ambassadors": len(ambassadorIDs),
	})

	out := rowOutcome{status: domain.RowSuccess, action: "created", entityID: &ev.ID, created: true}
	if len(unresolved) > 0 {
		// Event still imports; the assignments for unknown names are dropped.
		out.warning = fmt.Sprintf("event %s: unresolved ambassador(s) %s", ev.Venue, strings.Join(unresolved, ", "))
	}
	return out
}

// audit writes best-effort; a failed audit row never fails the import row.
func audit(ctx context.Context, b Backend, importID, action, entityType, entityID string, detail map[string]any) {
	entry := &domain.ImportAuditEntry{
		ID:         uuid.NewString(),
		ImportID:   importID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.InsertAudit(ctx, entry); err != nil {
		logger.Printf("audit write failed for import %s: %v", importID, err)
	}
}
