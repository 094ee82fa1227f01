package schedule

// Header names recognized in the source sheet. Matching is exact and case-sensitive.
const (
	HeaderTenant         = "guild ID"
	HeaderCreator        = "Creator"
	HeaderChannel        = "Channel"
	HeaderSponsor        = "Sponsor"
	HeaderBrand          = "Brand"
	HeaderDraftDeadline  = "Draft Deadline - Disc. Date"
	HeaderUploadDeadline = "Upload Deadline - Disc. Date"
	HeaderMonth          = "Month"
	HeaderYear           = "Year"
	HeaderShouldNotify   = "Should Notify"
	HeaderStatus         = "status"
	HeaderStatusSend     = "Status Send"
	HeaderStatusMessage  = "Status Message"
	HeaderIgnore         = "ignore"
	HeaderType           = "Type"
	HeaderReminderDate   = "Reminder Date"
	HeaderReminderDate2  = "Reminder Date 2"
	HeaderReminderType   = "Reminder Type"
)

// Missing marks a column that is absent from the header.
const Missing = -1

// Columns holds the resolved index of every known header.
type Columns struct {
	Tenant         int
	Creator        int
	Channel        int
	Sponsor        int
	DraftDeadline  int
	UploadDeadline int
	Month          int
	Year           int
	ShouldNotify   int
	Status         int
	StatusSend     int
	StatusMessage  int
	Ignore         int
	Type           int
	ReminderDate   int
	ReminderDate2  int
	ReminderType   int
}

// ResolveColumns maps header names to indices. Absent headers resolve to Missing.
// When a header repeats, the first occurrence wins.
func ResolveColumns(header []string) Columns {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	find := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		return Missing
	}

	sponsor := find(HeaderSponsor)
	if sponsor == Missing {
		sponsor = find(HeaderBrand)
	}

	return Columns{
		Tenant:         find(HeaderTenant),
		Creator:        find(HeaderCreator),
		Channel:        find(HeaderChannel),
		Sponsor:        sponsor,
		DraftDeadline:  find(HeaderDraftDeadline),
		UploadDeadline: find(HeaderUploadDeadline),
		Month:          find(HeaderMonth),
		Year:           find(HeaderYear),
		ShouldNotify:   find(HeaderShouldNotify),
		Status:         find(HeaderStatus),
		StatusSend:     find(HeaderStatusSend),
		StatusMessage:  find(HeaderStatusMessage),
		Ignore:         find(HeaderIgnore),
		Type:           find(HeaderType),
		ReminderDate:   find(HeaderReminderDate),
		ReminderDate2:  find(HeaderReminderDate2),
		ReminderType:   find(HeaderReminderType),
	}
}

// MissingHeaders lists the known headers that did not resolve.
// Sponsor and Brand count as one.
func (c Columns) MissingHeaders() []string {
	checks := []struct {
		name string
		idx  int
	}{
		{HeaderTenant, c.Tenant},
		{HeaderCreator, c.Creator},
		{HeaderChannel, c.Channel},
		{HeaderSponsor, c.Sponsor},
		{HeaderDraftDeadline, c.DraftDeadline},
		{HeaderUploadDeadline, c.UploadDeadline},
		{HeaderMonth, c.Month},
		{HeaderYear, c.Year},
		{HeaderShouldNotify, c.ShouldNotify},
		{HeaderStatus, c.Status},
		{HeaderStatusSend, c.StatusSend},
		{HeaderStatusMessage, c.StatusMessage},
		{HeaderIgnore, c.Ignore},
		{HeaderType, c.Type},
		{HeaderReminderDate, c.ReminderDate},
		{HeaderReminderDate2, c.ReminderDate2},
		{HeaderReminderType, c.ReminderType},
	}
	var out []string
	for _, ch := range checks {
		if ch.idx == Missing {
			out = append(out, ch.name)
		}
	}
	return out
}

// cell returns row[i], or "" when the column is missing or the row is short.
func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
