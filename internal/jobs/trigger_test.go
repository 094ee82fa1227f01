package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTriggerVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     TriggerKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 9 * * *", kind: TriggerCron, source: "cron"},
		{name: "cron with seconds", raw: "0 */30 * * * *", kind: TriggerCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: TriggerCron, source: "cron"},
		{name: "every", raw: "@every 1h", kind: TriggerCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: TriggerCron, source: "cron"},
		{name: "duration", raw: "10m", kind: TriggerInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: TriggerInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:15", kind: TriggerInterval, source: "hhmm", duration: 15 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: TriggerInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTrigger(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == TriggerInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseTriggerInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-trigger", "0s", "-5m", "cron:", "interval:", "01:75"} {
		_, err := ParseTrigger(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestEveryScheduleNoRounding(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(50*time.Millisecond), everySchedule{d: 50 * time.Millisecond}.Next(now))
}
