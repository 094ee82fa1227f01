// Package dispatch runs refresh and reminder cycles: fetch the sheet, rebuild
// the schedule cache, select due items and deliver them.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"remindbot/internal/schedule"
	"remindbot/internal/selector"
	"remindbot/internal/sheets"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type Config struct {
	Workers      int
	RatePerSec   int
	Burst        int
	FetchTimeout time.Duration
	SendTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Burst <= 0 {
		c.Burst = max(c.RatePerSec, 1)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSec)
}

// Report summarizes one dispatch cycle.
type Report struct {
	Date       string
	Override   bool
	Deliveries int
	Items      int
	Sent       int
	Failed     int
	Skipped    int
	Took       time.Duration
}

// Orchestrator owns the cache refresh and the delivery fan-out.
type Orchestrator struct {
	log      logx.Logger
	src      sheets.Source
	cache    *schedule.Cache
	sel      *selector.Selector
	platform transport.Platform
	audit    storage.Store

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	loc atomic.Pointer[time.Location]

	// cycleMu serializes RunMainCycle and Resend.
	cycleMu sync.Mutex

	// refreshGen is taken before each fetch; publishMu guards publishedGen so
	// an older fetch never replaces a newer snapshot.
	refreshGen   atomic.Uint64
	publishMu    sync.Mutex
	publishedGen uint64

	lastMu  sync.Mutex
	last    Report
	lastAt  time.Time
	lastErr error
}

type Option func(*Orchestrator)

// WithAudit records every delivery and cycle in st. A nil store disables auditing.
func WithAudit(st storage.Store) Option { return func(o *Orchestrator) { o.audit = st } }

// WithLocation sets the zone used to compute today's date.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.loc.Store(loc)
		}
	}
}

func New(cfg Config, src sheets.Source, cache *schedule.Cache, sel *selector.Selector, platform transport.Platform, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		log:      log,
		src:      src,
		cache:    cache,
		sel:      sel,
		platform: platform,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.limit(), cfg.Burst),
	}
	o.loc.Store(time.Local)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Apply updates tuning at runtime. The limiter is adjusted in place so
// in-flight waiters see the new rate.
func (o *Orchestrator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	o.mu.Lock()
	defer o.mu.Unlock()
	if cfg == o.cfg {
		return
	}
	o.cfg = cfg
	o.limiter.SetLimit(cfg.limit())
	o.limiter.SetBurst(cfg.Burst)
	o.log.Info("dispatch tuning updated",
		logx.Int("workers", cfg.Workers),
		logx.Int("rate_per_sec", cfg.RatePerSec),
		logx.Int("burst", cfg.Burst),
		logx.Duration("fetch_timeout", cfg.FetchTimeout),
		logx.Duration("send_timeout", cfg.SendTimeout),
	)
}

// SetLocation changes the zone used for "today".
func (o *Orchestrator) SetLocation(loc *time.Location) {
	if loc != nil {
		o.loc.Store(loc)
	}
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) today() time.Time { return o.sel.Today().In(o.loc.Load()) }

// Cache exposes the schedule cache for read paths.
func (o *Orchestrator) Cache() *schedule.Cache { return o.cache }

// RunRefreshOnly fetches the sheet and replaces the cache. On failure the
// previous cache stays in place and the error carries sheets.ErrSourceFetch.
// A fetch that completes after a newer refresh has published is discarded.
func (o *Orchestrator) RunRefreshOnly(ctx context.Context) error {
	cfg := o.config()
	start := time.Now()
	gen := o.refreshGen.Add(1)

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()
	table, err := o.src.Fetch(fctx)
	if err != nil {
		if !errors.Is(err, sheets.ErrSourceFetch) {
			err = errors.Mark(err, sheets.ErrSourceFetch)
		}
		o.log.Error("sheet fetch failed; keeping previous schedule",
			logx.Err(err),
			logx.Int("cached_items", o.cache.Len()),
			logx.Duration("dur", time.Since(start)),
		)
		return err
	}

	header, rows := schedule.SplitTable(table)
	if missing := schedule.ResolveColumns(header).MissingHeaders(); len(missing) > 0 {
		o.log.Debug("sheet columns missing; defaults apply", logx.Strings("missing", missing))
	}
	items, stats := schedule.Normalize(header, rows)
	grouped := schedule.GroupByTenant(items)
	if !o.publish(gen, grouped) {
		o.log.Debug("stale refresh discarded; a newer schedule is already cached",
			logx.Int("rows", stats.Rows),
			logx.Duration("dur", time.Since(start)),
		)
		return nil
	}

	fields := []logx.Field{
		logx.Int("rows", stats.Rows),
		logx.Int("kept", stats.Kept),
		logx.Int("dropped", stats.Dropped),
		logx.Int("tenants", len(grouped)),
		logx.Duration("dur", time.Since(start)),
	}
	if stats.Dropped > 0 {
		o.log.Info("schedule refreshed with dropped rows", fields...)
	} else {
		o.log.Info("schedule refreshed", fields...)
	}
	return nil
}

func (o *Orchestrator) publish(gen uint64, grouped map[string][]schedule.Item) bool {
	o.publishMu.Lock()
	defer o.publishMu.Unlock()
	if gen < o.publishedGen {
		return false
	}
	o.publishedGen = gen
	o.cache.Replace(grouped)
	return true
}

// RunMainCycle refreshes and, if that succeeded, delivers everything due today.
// A failed refresh suppresses dispatch for this cycle.
func (o *Orchestrator) RunMainCycle(ctx context.Context) (Report, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := time.Now()
	if err := o.RunRefreshOnly(ctx); err != nil {
		o.recordCycle(ctx, Report{Took: time.Since(start)}, err)
		return Report{}, err
	}

	plan := o.sel.Plan(o.cache.Snapshot(), o.today())
	if plan.Override {
		o.log.Info("monthly override window active; date filter waived", logx.String("date", plan.Date))
	}
	rep := o.deliver(ctx, plan)
	rep.Took = time.Since(start)

	fields := []logx.Field{
		logx.String("date", rep.Date),
		logx.Bool("override", rep.Override),
		logx.Int("deliveries", rep.Deliveries),
		logx.Int("items", rep.Items),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("dur", rep.Took),
	}
	if rep.Failed > 0 {
		o.log.Warn("dispatch cycle finished with failures", fields...)
	} else {
		o.log.Info("dispatch cycle finished", fields...)
	}
	o.recordCycle(ctx, rep, nil)
	return rep, nil
}

// Resend refreshes and dispatches again on demand.
func (o *Orchestrator) Resend(ctx context.Context) (Report, error) {
	return o.RunMainCycle(ctx)
}

// LastCycle returns the most recent cycle outcome.
func (o *Orchestrator) LastCycle() (Report, time.Time, error) {
	o.lastMu.Lock()
	defer o.lastMu.Unlock()
	return o.last, o.lastAt, o.lastErr
}

func (o *Orchestrator) recordCycle(ctx context.Context, rep Report, err error) {
	o.lastMu.Lock()
	o.last, o.lastAt, o.lastErr = rep, time.Now(), err
	o.lastMu.Unlock()

	e := storage.AuditEntry{
		Kind:   storage.KindCycle,
		Actor:  ActorFrom(ctx),
		Action: "main",
		Items:  rep.Items,
		OK:     err == nil && rep.Failed == 0,
		TookMS: rep.Took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	o.appendAudit(ctx, e)
}

func (o *Orchestrator) appendAudit(ctx context.Context, e storage.AuditEntry) {
	if o.audit == nil {
		return
	}
	if err := o.audit.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
	}
}

type actorKey struct{}

// WithActor tags ctx with who triggered a cycle, for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or "scheduler".
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "scheduler"
}
