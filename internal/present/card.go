package present

import (
	"fmt"
	"strings"

	"remindbot/internal/schedule"
)

// Status colors.
const (
	ColorPending  = 0xe82020
	ColorDraft    = 0xf1c40f
	ColorComplete = 0x2ecc71
	ColorDefault  = ColorDraft
)

var statusColors = map[string]int{
	"pending":  ColorPending,
	"draft":    ColorDraft,
	"complete": ColorComplete,
}

// Field is one labelled line of a card.
type Field struct {
	Name  string
	Value string
}

// Card is the platform-neutral rendering of one schedule item.
type Card struct {
	Title  string
	Color  int
	Fields []Field
}

// HexColor renders the color as #rrggbb.
func (c Card) HexColor() string { return fmt.Sprintf("#%06x", c.Color) }

// StatusColor maps a status to its display color. Unknown statuses get ColorDefault.
func StatusColor(status string) int {
	if c, ok := statusColors[strings.ToLower(strings.TrimSpace(status))]; ok {
		return c
	}
	return ColorDefault
}

// Build renders one item.
func Build(it schedule.Item) Card {
	status := it.Status
	if status == "" {
		status = schedule.NotAvailable
	}

	fields := make([]Field, 0, 5)
	fields = append(fields, Field{Name: "Status", Value: status})
	if it.StatusMessage != "" {
		fields = append(fields, Field{Name: "Message", Value: it.StatusMessage})
	}
	if it.Type != "" {
		fields = append(fields, Field{Name: "Type", Value: it.Type})
	}
	fields = append(fields,
		Field{Name: "Draft Deadline", Value: deadline(it.DraftDeadlineText)},
		Field{Name: "Upload Deadline", Value: deadline(it.UploadDeadlineText)},
	)

	return Card{
		Title:  it.SponsorLabel,
		Color:  StatusColor(it.Status),
		Fields: fields,
	}
}

// BuildAll renders items in order.
func BuildAll(items []schedule.Item) []Card {
	out := make([]Card, 0, len(items))
	for _, it := range items {
		out = append(out, Build(it))
	}
	return out
}

// deadline shows the raw cell next to a copy with every "R" replaced by "D".
// The substitution is legacy formatting kept verbatim.
func deadline(raw string) string {
	return raw + " (" + strings.ReplaceAll(raw, "R", "D") + ")"
}
