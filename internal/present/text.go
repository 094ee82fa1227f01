package present

import (
	"fmt"
	"strings"

	"remindbot/internal/selector"
)

// ChannelText is the message body posted alongside a channel delivery.
func ChannelText(date string, n int) string {
	return fmt.Sprintf("Sponsor reminders for %s (%d %s)", date, n, plural(n, "item", "items"))
}

// DirectText is the message body of a direct delivery.
func DirectText(date string, n int) string {
	return fmt.Sprintf("Hi! You have %d sponsor %s to look at today (%s).", n, plural(n, "reminder", "reminders"), date)
}

// BrowseText heads a successful schedule listing.
func BrowseText(month, year string, n int) string {
	return fmt.Sprintf("Schedule for month %s, year %s: %d %s", selector.NormalizeFilter(month), selector.NormalizeFilter(year), n, plural(n, "entry", "entries"))
}

// EmptyBrowseText names both filters used for an empty listing.
func EmptyBrowseText(month, year string) string {
	return fmt.Sprintf("No schedule entries found for month %s, year %s.", selector.NormalizeFilter(month), selector.NormalizeFilter(year))
}

// PlainText flattens cards for platforms or logs without rich payloads.
func PlainText(cards []Card) string {
	var b strings.Builder
	for i, c := range cards {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.Title)
		b.WriteString("\n")
		for _, f := range c.Fields {
			fmt.Fprintf(&b, "  %s: %s\n", f.Name, f.Value)
		}
	}
	return b.String()
}

// Chunk splits cards into batches of at most size.
func Chunk(cards []Card, size int) [][]Card {
	if size <= 0 || len(cards) == 0 {
		return nil
	}
	out := make([][]Card, 0, (len(cards)+size-1)/size)
	for len(cards) > size {
		out = append(out, cards[:size])
		cards = cards[size:]
	}
	return append(out, cards)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
