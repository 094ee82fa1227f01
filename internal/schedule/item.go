package schedule

import "strings"

// Placeholders substituted for blank cells.
const (
	UnknownCreator = "Unknown Creator"
	NotAvailable   = "N/A"
)

// DeliveryMode selects how a due reminder reaches its audience.
type DeliveryMode string

const (
	DeliveryChannel DeliveryMode = "channel post"
	DeliveryDirect  DeliveryMode = "private message"
)

// ParseDeliveryMode maps a "Reminder Type" cell to a mode.
// Anything other than "channel post" is a direct message.
func ParseDeliveryMode(raw string) DeliveryMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(DeliveryChannel)) {
		return DeliveryChannel
	}
	return DeliveryDirect
}

// Item is one normalized spreadsheet row.
type Item struct {
	TenantID           string
	DestinationChannel string
	CreatorID          string

	SponsorLabel       string
	DraftDeadlineText  string
	UploadDeadlineText string
	Month              string
	Year               string

	ShouldNotify  bool
	Status        string
	StatusArmed   bool
	StatusMessage string
	Ignore        bool
	Type          string

	ReminderDate  string
	ReminderDate2 string
	DeliveryMode  DeliveryMode

	// SourceRow is the zero-based data-row index (header excluded).
	SourceRow int
}

// parseFlag reads a "0"/"1" style cell. Blank cells take def.
func parseFlag(raw string, def bool) bool {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "1", "true":
		return true
	default:
		return false
	}
}

func orDefault(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}
