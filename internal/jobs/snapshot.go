package jobs

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Snapshot returns job state sorted by name, plus recent run history.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	c := m.c
	loc := m.loc
	tz := m.cfg.Timezone
	defs := make([]*jobDef, 0, len(m.defs))
	entries := make(map[string]cron.EntryID, len(m.defs))
	exprs := make(map[string]string, len(m.defs))
	for _, d := range m.defs {
		defs = append(defs, d)
		entries[d.name] = d.entryID
		exprs[d.name] = d.expr
	}
	m.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	out := Snapshot{Running: c != nil, Timezone: tz}
	for _, d := range defs {
		info := JobInfo{Name: d.name, Expr: exprs[d.name]}
		if c != nil && entries[d.name] != 0 {
			e := c.Entry(entries[d.name])
			info.Next, info.Prev = e.Next, e.Prev
		}
		d.state.mu.Lock()
		info.Running = d.state.inflight
		info.Runs = d.state.runs
		info.Skips = d.state.skips
		info.LastRun = d.state.lastRun
		info.LastTook = d.state.lastDur
		info.LastErr = d.state.lastErr
		d.state.mu.Unlock()
		out.Jobs = append(out.Jobs, info)
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].Name < out.Jobs[j].Name })

	m.hmu.Lock()
	out.History = append([]HistoryItem(nil), m.history...)
	m.hmu.Unlock()
	return out
}
