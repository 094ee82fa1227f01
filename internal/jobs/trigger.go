package jobs

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TriggerKind is the normalized kind of a trigger expression.
type TriggerKind int

const (
	TriggerCron TriggerKind = iota
	TriggerInterval
)

// Trigger is a parsed trigger expression.
//
// Supported forms:
//   - Cron: "0 9 * * *", "*/30 * * * *", "0 0 9 * * *" (seconds), "@daily", "@every 1h"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2h30m)
//
// Prefixes "cron:", "interval:" and "every:" force a kind.
type Trigger struct {
	Kind   TriggerKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseTrigger parses a trigger expression into either a cron spec or a fixed interval.
func ParseTrigger(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, errors.New("trigger expression required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, errors.New("cron expression required after 'cron:'")
		}
		return Trigger{Kind: TriggerCron, Cron: expr, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, src, err := parseInterval(s[len(p):])
			if err != nil {
				return Trigger{}, err
			}
			return Trigger{Kind: TriggerInterval, Every: d, Source: src}, nil
		}
	}

	// whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Trigger{Kind: TriggerCron, Cron: s, Source: "cron"}, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: TriggerInterval, Every: d, Source: "hhmm"}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Trigger{}, errors.New("interval must be > 0")
		}
		return Trigger{Kind: TriggerInterval, Every: d, Source: "duration"}, nil
	}

	return Trigger{}, errors.Newf(
		"invalid trigger %q (use cron like '0 9 * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", errors.Newf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "duration", nil
}

// parseHHMMDuration reads "HHH:MM" as a duration. Hours go up to 999.
func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Newf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, errors.Newf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// everySchedule fires every d without the one-second rounding of cron.Every.
type everySchedule struct {
	d time.Duration
}

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.d) }
