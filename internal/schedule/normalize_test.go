package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenarioHeader = []string{"guild ID", "Channel", "Sponsor", "Month", "Should Notify", "ignore", "status", "Status Send"}

func TestNormalizeSingleRow(t *testing.T) {
	t.Parallel()
	items, st := Normalize(scenarioHeader, [][]string{
		{"G1", "general", "Acme", "January", "1", "0", "pending", "1"},
	})

	require.Len(t, items, 1)
	assert.Equal(t, NormalizeStats{Rows: 1, Kept: 1, Dropped: 0}, st)

	it := items[0]
	assert.Equal(t, "G1", it.TenantID)
	assert.Equal(t, "general", it.DestinationChannel)
	assert.Equal(t, "Acme", it.SponsorLabel)
	assert.Equal(t, "January", it.Month)
	assert.Equal(t, "pending", it.Status)
	assert.True(t, it.ShouldNotify)
	assert.True(t, it.StatusArmed)
	assert.False(t, it.Ignore)
	assert.Equal(t, 0, it.SourceRow)

	// Columns missing from the header take their defaults.
	assert.Equal(t, UnknownCreator, it.CreatorID)
	assert.Equal(t, NotAvailable, it.Year)
	assert.Equal(t, NotAvailable, it.DraftDeadlineText)
	assert.Equal(t, NotAvailable, it.UploadDeadlineText)
	assert.Equal(t, DeliveryDirect, it.DeliveryMode)
	assert.Empty(t, it.ReminderDate)
}

func TestNormalizeDropsRowsWithoutTenantOrChannel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		row  []string
	}{
		{name: "blank tenant", row: []string{"", "general", "Acme"}},
		{name: "blank channel", row: []string{"G1", "", "Acme"}},
		{name: "whitespace tenant", row: []string{"   ", "general", "Acme"}},
		{name: "short row", row: []string{"G1"}},
		{name: "empty row", row: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			items, st := Normalize(scenarioHeader, [][]string{tt.row})
			assert.Empty(t, items)
			assert.Equal(t, 1, st.Dropped)
			assert.Equal(t, 0, st.Kept)
		})
	}
}

func TestNormalizeDroppedRowsNeverReachCache(t *testing.T) {
	t.Parallel()
	rows := [][]string{
		{"G1", "general", "Keep1"},
		{"G1", "", "DropMe"},
		{"", "general", "DropMeToo"},
		{"G2", "news", "Keep2"},
	}
	items, st := Normalize(scenarioHeader, rows)
	require.Equal(t, 2, st.Kept)
	require.Equal(t, 2, st.Dropped)

	c := NewCache()
	c.Replace(GroupByTenant(items))
	for _, tenant := range c.Tenants() {
		for _, it := range c.Lookup(tenant) {
			assert.NotContains(t, []string{"DropMe", "DropMeToo"}, it.SponsorLabel)
		}
	}
	assert.Equal(t, 2, c.Len())
	// Source positions survive the drops.
	assert.Equal(t, 0, c.Lookup("G1")[0].SourceRow)
	assert.Equal(t, 3, c.Lookup("G2")[0].SourceRow)
}

func TestNormalizeBlankSponsorIsNotAvailable(t *testing.T) {
	t.Parallel()
	items, _ := Normalize(scenarioHeader, [][]string{
		{"G1", "general", "", "January"},
		{"G1", "general", "   ", "January"},
	})
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, NotAvailable, it.SponsorLabel)
	}
}

func TestNormalizeBrandFallback(t *testing.T) {
	t.Parallel()
	header := []string{"guild ID", "Channel", "Brand"}
	items, _ := Normalize(header, [][]string{{"G1", "general", "Globex"}})
	require.Len(t, items, 1)
	assert.Equal(t, "Globex", items[0].SponsorLabel)

	header = []string{"guild ID", "Channel", "Brand", "Sponsor"}
	items, _ = Normalize(header, [][]string{{"G1", "general", "Globex", "Acme"}})
	require.Len(t, items, 1)
	assert.Equal(t, "Acme", items[0].SponsorLabel)
}

func TestNormalizeFlagsAndDeliveryMode(t *testing.T) {
	t.Parallel()
	header := []string{"guild ID", "Channel", "Should Notify", "Status Send", "ignore", "Reminder Type"}
	items, _ := Normalize(header, [][]string{
		{"G1", "c", "", "", "", ""},
		{"G1", "c", "0", "1", "1", "Channel Post"},
		{"G1", "c", "true", "0", "0", " channel post "},
		{"G1", "c", "1", "true", "TRUE", "private message"},
	})
	require.Len(t, items, 4)

	assert.True(t, items[0].ShouldNotify)
	assert.False(t, items[0].StatusArmed)
	assert.False(t, items[0].Ignore)
	assert.Equal(t, DeliveryDirect, items[0].DeliveryMode)

	assert.False(t, items[1].ShouldNotify)
	assert.True(t, items[1].StatusArmed)
	assert.True(t, items[1].Ignore)
	assert.Equal(t, DeliveryChannel, items[1].DeliveryMode)

	assert.True(t, items[2].ShouldNotify)
	assert.False(t, items[2].StatusArmed)
	assert.Equal(t, DeliveryChannel, items[2].DeliveryMode)

	assert.True(t, items[3].StatusArmed)
	assert.True(t, items[3].Ignore)
	assert.Equal(t, DeliveryDirect, items[3].DeliveryMode)
}

func TestResolveColumnsCaseSensitive(t *testing.T) {
	t.Parallel()
	cols := ResolveColumns([]string{"Guild ID", "channel", "Status", "status"})
	assert.Equal(t, Missing, cols.Tenant)
	assert.Equal(t, Missing, cols.Channel)
	assert.Equal(t, 3, cols.Status)
	assert.Contains(t, cols.MissingHeaders(), HeaderTenant)
	assert.NotContains(t, cols.MissingHeaders(), HeaderStatus)
}

func TestGroupByTenantKeepsOrder(t *testing.T) {
	t.Parallel()
	items := []Item{
		{TenantID: "A", SponsorLabel: "1"},
		{TenantID: "B", SponsorLabel: "2"},
		{TenantID: "A", SponsorLabel: "3"},
	}
	g := GroupByTenant(items)
	require.Len(t, g["A"], 2)
	assert.Equal(t, "1", g["A"][0].SponsorLabel)
	assert.Equal(t, "3", g["A"][1].SponsorLabel)
	assert.Len(t, g["B"], 1)
}

func TestSplitTable(t *testing.T) {
	t.Parallel()
	h, rows := SplitTable(nil)
	assert.Nil(t, h)
	assert.Nil(t, rows)

	h, rows = SplitTable([][]string{{"a"}, {"1"}, {"2"}})
	assert.Equal(t, []string{"a"}, h)
	assert.Len(t, rows, 2)
}
