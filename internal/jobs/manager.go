package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"remindbot/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrSkipped    = errors.New("job already running")
)

const defaultHistorySize = 50

func New(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// Apply swaps the config. A timezone change restarts cron and re-registers every job.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldTZ := strings.TrimSpace(m.cfg.Timezone)
	m.cfg = cfg
	if m.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		m.restartLocked()
	}
}

// Start begins triggering. Jobs scheduled before Start are registered now.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return
	}
	m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.loc = m.loadLocationLocked()
	m.c = cron.New(cron.WithParser(m.parser), cron.WithLocation(m.loc))
	for _, d := range m.defs {
		m.registerLocked(d)
	}
	m.c.Start()
	m.log.Info("job manager started", logx.String("tz", m.loc.String()), logx.Int("jobs", len(m.defs)))
}

// Stop halts triggering and waits for running jobs until ctx expires, then
// cancels them. Job definitions survive so Start can resume them.
func (m *Manager) Stop(ctx context.Context) {
	start := time.Now()
	m.mu.Lock()
	c := m.c
	cancel := m.cancel
	m.c = nil
	for _, d := range m.defs {
		d.entryID = 0
	}
	m.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		m.log.Warn("job manager stop timed out; cancelling running jobs")
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info("job manager stopped", logx.Duration("took", time.Since(start)))
}

// Schedule installs or replaces the named job. Any existing cron entry for
// name is removed before the new one is added, so one name never owns two
// entries. The in-flight state carries over so a replaced job cannot overlap
// a run that is still going.
func (m *Manager) Schedule(name, expr string, action Action) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if action == nil {
		return errors.Newf("job %q: action required", name)
	}
	tr, err := ParseTrigger(expr)
	if err != nil {
		return errors.Wrapf(err, "job %q", name)
	}
	if tr.Kind == TriggerCron {
		if _, err := m.parser.Parse(tr.Cron); err != nil {
			return errors.Wrapf(err, "job %q: parse cron %q", name, tr.Cron)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := &runState{}
	if old, ok := m.defs[name]; ok {
		state = old.state
		m.unregisterLocked(old)
	}
	d := &jobDef{name: name, expr: strings.TrimSpace(expr), trigger: tr, action: action, state: state}
	m.defs[name] = d

	if m.c != nil {
		m.registerLocked(d)
		args := []logx.Field{logx.String("job", name), logx.String("expr", d.expr)}
		if next := m.previewNextRunsLocked(d, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		m.log.Info("job scheduled", args...)
	}
	return nil
}

// Remove unschedules name. It reports whether the job existed.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	m.unregisterLocked(d)
	delete(m.defs, d.name)
	m.log.Debug("job removed", logx.String("job", d.name))
	return true
}

// Expr returns the installed trigger expression of name.
func (m *Manager) Expr(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[name]
	if !ok {
		return "", false
	}
	return d.expr, true
}

// Reconcile re-schedules every installed job whose desired expression differs
// from the installed one, keeping its action. Unknown names are ignored; an
// invalid expression keeps the old schedule. It returns the names that changed.
func (m *Manager) Reconcile(desired map[string]string) []string {
	names := make([]string, 0, len(desired))
	for n := range desired {
		names = append(names, n)
	}
	sort.Strings(names)

	var changed []string
	for _, name := range names {
		want := strings.TrimSpace(desired[name])
		m.mu.Lock()
		d, ok := m.defs[name]
		var action Action
		var cur string
		if ok {
			action, cur = d.action, d.expr
		}
		m.mu.Unlock()
		if !ok || want == "" || want == cur {
			continue
		}
		if err := m.Schedule(name, want, action); err != nil {
			m.log.Warn("trigger change rejected; keeping previous", logx.String("job", name), logx.String("expr", want), logx.Err(err))
			continue
		}
		m.log.Info("trigger changed", logx.String("job", name), logx.String("from", cur), logx.String("to", want))
		changed = append(changed, name)
	}
	return changed
}

// RunNow runs the named job on the caller's goroutine, honoring the in-flight guard.
func (m *Manager) RunNow(ctx context.Context, name string) error {
	m.mu.Lock()
	d, ok := m.defs[name]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "%q", name)
	}
	return m.run(ctx, d)
}

func (m *Manager) registerLocked(d *jobDef) {
	job := cron.FuncJob(func() {
		m.mu.Lock()
		ctx := m.baseCtx
		m.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		_ = m.run(ctx, d)
	})

	switch d.trigger.Kind {
	case TriggerInterval:
		d.entryID = m.c.Schedule(everySchedule{d: d.trigger.Every}, job)
	default:
		id, err := m.c.AddJob(d.trigger.Cron, job)
		if err != nil {
			m.log.Error("job register failed", logx.String("job", d.name), logx.String("expr", d.expr), logx.Err(err))
			return
		}
		d.entryID = id
	}
}

func (m *Manager) unregisterLocked(d *jobDef) {
	if m.c != nil && d.entryID != 0 {
		m.c.Remove(d.entryID)
	}
	d.entryID = 0
}

func (m *Manager) run(ctx context.Context, d *jobDef) (err error) {
	if !d.state.tryAcquire() {
		m.log.Debug("job trigger skipped; previous run in flight", logx.String("job", d.name))
		return errors.Wrapf(ErrSkipped, "%q", d.name)
	}

	m.mu.Lock()
	timeout := m.cfg.DefaultTimeout
	m.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			m.log.Error("job panic", logx.String("job", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		took := time.Since(start)
		d.state.release(start, took, err)
		m.record(HistoryItem{Name: d.name, Started: start, Duration: took, Error: errString(err)})
		if err != nil {
			m.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
			return
		}
		m.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", took))
	}()

	return d.action(ctx)
}

func (m *Manager) record(it HistoryItem) {
	m.mu.Lock()
	size := m.cfg.HistorySize
	m.mu.Unlock()
	if size <= 0 {
		size = defaultHistorySize
	}
	m.hmu.Lock()
	m.history = append(m.history, it)
	if len(m.history) > size {
		m.history = m.history[len(m.history)-size:]
	}
	m.hmu.Unlock()
}

// restartLocked does not wait for running jobs: they take m.mu on completion.
func (m *Manager) restartLocked() {
	if m.c != nil {
		m.c.Stop()
	}
	m.loc = m.loadLocationLocked()
	m.c = cron.New(cron.WithParser(m.parser), cron.WithLocation(m.loc))
	for _, d := range m.defs {
		m.registerLocked(d)
	}
	m.c.Start()
	m.log.Info("job manager restarted", logx.String("tz", m.loc.String()), logx.Int("jobs", len(m.defs)))
}

func (m *Manager) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(m.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		m.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times at debug level only.
func (m *Manager) previewNextRunsLocked(d *jobDef, n int) string {
	if !m.log.Enabled(logx.LevelDebug) || d.trigger.Kind != TriggerCron {
		return ""
	}
	sched, err := m.parser.Parse(d.trigger.Cron)
	if err != nil {
		return ""
	}
	t := time.Now().In(m.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
