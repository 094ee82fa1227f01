package selector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"remindbot/internal/schedule"
)

// All disables a browse filter.
const All = "All"

// FormatDate renders t as M/D/YYYY without zero padding.
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d/%d/%d", int(t.Month()), t.Day(), t.Year())
}

// Selector decides which items are due on a given day.
type Selector struct {
	now   func() time.Time
	latch *OverrideLatch
}

type Option func(*Selector)

// WithClock overrides the clock used by Today.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLatch installs a shared or pre-set override latch.
func WithLatch(l *OverrideLatch) Option {
	return func(s *Selector) {
		if l != nil {
			s.latch = l
		}
	}
}

func New(opts ...Option) *Selector {
	s := &Selector{now: time.Now, latch: NewOverrideLatch(false)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Today returns the selector clock's current time.
func (s *Selector) Today() time.Time { return s.now() }

// Latch exposes the override latch for status reporting.
func (s *Selector) Latch() *OverrideLatch { return s.latch }

// Due returns items due on today. A call that lands in the monthly override
// window with the latch unset waives the reminder-date match and sets the latch.
func (s *Selector) Due(items []schedule.Item, today time.Time) []schedule.Item {
	override := s.latch.TryFire(today.Day())
	return filterDue(items, FormatDate(today), override)
}

func filterDue(items []schedule.Item, date string, override bool) []schedule.Item {
	out := make([]schedule.Item, 0, len(items))
	for _, it := range items {
		if !armed(it) {
			continue
		}
		if override || it.ReminderDate == date || it.ReminderDate2 == date {
			out = append(out, it)
		}
	}
	return out
}

func armed(it schedule.Item) bool {
	return it.ShouldNotify && !it.Ignore && it.StatusArmed
}

// Kind is the delivery route of a group.
type Kind string

const (
	KindChannel Kind = "channel"
	KindDirect  Kind = "direct"
)

// Delivery is one outbound message: every due item for one destination.
type Delivery struct {
	Tenant string
	Kind   Kind
	// Target is a channel name or ID for KindChannel, a user ID for KindDirect.
	Target string
	Items  []schedule.Item
}

// Plan is the outcome of one selection pass over the whole cache.
type Plan struct {
	Date       string
	Override   bool
	Deliveries []Delivery
}

// DueCount is the number of items across all deliveries.
func (p Plan) DueCount() int {
	n := 0
	for _, d := range p.Deliveries {
		n += len(d.Items)
	}
	return n
}

// Plan selects due items across every tenant and groups them by destination.
// The override window is consulted once per plan so every tenant sees the same decision.
func (s *Selector) Plan(snapshot map[string][]schedule.Item, today time.Time) Plan {
	p := Plan{
		Date:     FormatDate(today),
		Override: s.latch.TryFire(today.Day()),
	}

	tenants := make([]string, 0, len(snapshot))
	for t := range snapshot {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		due := filterDue(snapshot[tenant], p.Date, p.Override)
		p.Deliveries = append(p.Deliveries, Group(tenant, due)...)
	}
	return p
}

// Group partitions due items of one tenant into channel-post and direct
// deliveries. Groups keep first-seen order; items keep source order.
func Group(tenant string, due []schedule.Item) []Delivery {
	type key struct {
		kind   Kind
		target string
	}
	var order []key
	groups := map[key]*Delivery{}

	for _, it := range due {
		k := key{kind: KindDirect, target: it.CreatorID}
		if it.DeliveryMode == schedule.DeliveryChannel {
			k = key{kind: KindChannel, target: it.DestinationChannel}
		}
		g, ok := groups[k]
		if !ok {
			g = &Delivery{Tenant: tenant, Kind: k.kind, Target: k.target}
			groups[k] = g
			order = append(order, k)
		}
		g.Items = append(g.Items, it)
	}

	out := make([]Delivery, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	return out
}

// Browse lists non-ignored items matching the month and year filters.
// An empty filter, or "All" in any case, matches everything.
// Notification flags are not consulted.
func Browse(items []schedule.Item, month, year string) []schedule.Item {
	out := make([]schedule.Item, 0, len(items))
	for _, it := range items {
		if it.Ignore {
			continue
		}
		if !matches(month, it.Month) || !matches(year, it.Year) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func matches(filter, value string) bool {
	f := strings.TrimSpace(filter)
	if f == "" || strings.EqualFold(f, All) {
		return true
	}
	return strings.EqualFold(f, strings.TrimSpace(value))
}

// NormalizeFilter maps a blank filter to All for display.
func NormalizeFilter(f string) string {
	if strings.TrimSpace(f) == "" {
		return All
	}
	return strings.TrimSpace(f)
}
