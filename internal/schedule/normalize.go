package schedule

import "strings"

// NormalizeStats summarizes one normalization pass so callers can log drops in aggregate.
type NormalizeStats struct {
	Rows    int
	Kept    int
	Dropped int
}

// Normalize converts data rows into Items using the header for column lookup.
//
// A row is dropped iff its tenant or destination cell is blank. Every other
// blank cell falls back to its field default. Output order follows input order.
func Normalize(header []string, rows [][]string) ([]Item, NormalizeStats) {
	cols := ResolveColumns(header)
	out := make([]Item, 0, len(rows))
	st := NormalizeStats{Rows: len(rows)}

	for i, row := range rows {
		it, ok := normalizeRow(cols, row, i)
		if !ok {
			st.Dropped++
			continue
		}
		out = append(out, it)
	}
	st.Kept = len(out)
	return out, st
}

func normalizeRow(c Columns, row []string, idx int) (Item, bool) {
	tenant := strings.TrimSpace(cell(row, c.Tenant))
	channel := strings.TrimSpace(cell(row, c.Channel))
	if tenant == "" || channel == "" {
		return Item{}, false
	}

	return Item{
		TenantID:           tenant,
		DestinationChannel: channel,
		CreatorID:          orDefault(cell(row, c.Creator), UnknownCreator),

		SponsorLabel:       orDefault(cell(row, c.Sponsor), NotAvailable),
		DraftDeadlineText:  orDefault(cell(row, c.DraftDeadline), NotAvailable),
		UploadDeadlineText: orDefault(cell(row, c.UploadDeadline), NotAvailable),
		Month:              orDefault(cell(row, c.Month), NotAvailable),
		Year:               orDefault(cell(row, c.Year), NotAvailable),

		ShouldNotify:  parseFlag(cell(row, c.ShouldNotify), true),
		Status:        strings.TrimSpace(cell(row, c.Status)),
		StatusArmed:   parseFlag(cell(row, c.StatusSend), false),
		StatusMessage: strings.TrimSpace(cell(row, c.StatusMessage)),
		Ignore:        parseFlag(cell(row, c.Ignore), false),
		Type:          strings.TrimSpace(cell(row, c.Type)),

		ReminderDate:  strings.TrimSpace(cell(row, c.ReminderDate)),
		ReminderDate2: strings.TrimSpace(cell(row, c.ReminderDate2)),
		DeliveryMode:  ParseDeliveryMode(cell(row, c.ReminderType)),

		SourceRow: idx,
	}, true
}

// GroupByTenant buckets items by tenant, preserving source order within each tenant.
func GroupByTenant(items []Item) map[string][]Item {
	out := make(map[string][]Item)
	for _, it := range items {
		out[it.TenantID] = append(out[it.TenantID], it)
	}
	return out
}

// SplitTable separates a fetched range into header and data rows.
func SplitTable(table [][]string) (header []string, rows [][]string) {
	if len(table) == 0 {
		return nil, nil
	}
	return table[0], table[1:]
}
