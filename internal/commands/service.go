// Package commands implements the platform-neutral command surface:
// schedule browsing, refresh, resend and status.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"remindbot/internal/dispatch"
	"remindbot/internal/jobs"
	"remindbot/internal/present"
	"remindbot/internal/schedule"
	"remindbot/internal/selector"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

// Fixed replies.
const (
	FailureText     = "Something went wrong while handling that command."
	DeniedText      = "You do not have permission to use this command."
	RefreshBusyText = "A refresh is already running; try again shortly."
)

const (
	auditScan    = 50
	problemsShow = 5
)

// Command names.
const (
	CmdSchedule = "schedule"
	CmdRefresh  = "refresh"
	CmdResend   = "resend"
	CmdStatus   = "status"
)

// Dispatcher is the part of the orchestrator the commands drive.
type Dispatcher interface {
	RunRefreshOnly(ctx context.Context) error
	Resend(ctx context.Context) (dispatch.Report, error)
	LastCycle() (dispatch.Report, time.Time, error)
}

// Jobs reports scheduled jobs for /status and runs manual triggers.
type Jobs interface {
	Snapshot() jobs.Snapshot
	RunNow(ctx context.Context, name string) error
}

// OverrideState reports whether the monthly override has fired.
type OverrideState interface {
	Fired() bool
}

// Reply is a command result.
type Reply struct {
	Text  string
	Cards []present.Card
}

// Request carries one invocation through the middleware chain.
type Request struct {
	transport.Invocation
	Logger logx.Logger
}

// ScheduleRequest filters the schedule listing. Empty filters mean "All".
type ScheduleRequest struct {
	Tenant string
	Month  string
	Year   string
}

type Service struct {
	log        logx.Logger
	cache      *schedule.Cache
	disp       Dispatcher
	jobs       Jobs
	refreshJob string
	override   OverrideState
	audit      storage.Store
	now        func() time.Time

	timeout  atomic.Int64
	handlers map[string]HandlerFunc
}

type Option func(*Service)

func WithJobs(j Jobs) Option              { return func(s *Service) { s.jobs = j } }
func WithAudit(st storage.Store) Option   { return func(s *Service) { s.audit = st } }
func WithOverride(o OverrideState) Option { return func(s *Service) { s.override = o } }

// WithRefreshJob runs /refresh as the named job so it shares that job's
// in-flight guard with scheduled refreshes.
func WithRefreshJob(name string) Option { return func(s *Service) { s.refreshJob = name } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cache *schedule.Cache, disp Dispatcher, timeout time.Duration, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, cache: cache, disp: disp, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.SetTimeout(timeout)

	chain := func(h HandlerFunc) HandlerFunc {
		return Chain(h,
			MWAccessGate(s.auditCommand),
			MWTimeout(s.Timeout),
			MWPanicRecover(),
			MWRequestLog(),
			MWAudit(s.auditCommand),
		)
	}
	s.handlers = map[string]HandlerFunc{
		CmdSchedule: chain(s.handleSchedule),
		CmdRefresh:  chain(s.handleRefresh),
		CmdResend:   chain(s.handleResend),
		CmdStatus:   chain(s.handleStatus),
	}
	return s
}

// SetTimeout changes the per-command deadline.
func (s *Service) SetTimeout(d time.Duration) { s.timeout.Store(int64(d)) }

func (s *Service) Timeout() time.Duration { return time.Duration(s.timeout.Load()) }

// Specs lists the commands for platform registration.
func Specs() []transport.CommandSpec {
	return []transport.CommandSpec{
		{
			Name:        CmdSchedule,
			Description: "List sponsor schedule entries",
			Options: []transport.OptionSpec{
				{Name: "month", Description: "Month to show, or All"},
				{Name: "year", Description: "Year to show, or All"},
			},
		},
		{Name: CmdRefresh, Description: "Reload the schedule from the sheet"},
		{Name: CmdResend, Description: "Reload and resend today's reminders"},
		{Name: CmdStatus, Description: "Show schedule cache and job status"},
	}
}

// Handle runs one invocation and always produces a response.
func (s *Service) Handle(ctx context.Context, inv transport.Invocation) transport.Response {
	name := strings.ToLower(strings.TrimSpace(inv.Command))
	inv.Command = name
	req := &Request{
		Invocation: inv,
		Logger: s.log.With(
			logx.String("cmd", name),
			logx.String("tenant", inv.Tenant),
			logx.String("caller", inv.Caller.ID),
		),
	}
	h, ok := s.handlers[name]
	if !ok {
		return transport.Response{Text: fmt.Sprintf("Unknown command %q.", name)}
	}
	rep, err := h(ctx, req)
	switch {
	case err == nil:
		return transport.Response{Text: rep.Text, Cards: rep.Cards}
	case errors.Is(err, ErrDenied):
		return transport.Response{Text: DeniedText}
	default:
		return transport.Response{Text: FailureText}
	}
}

// Schedule lists non-ignored entries of a tenant matching the filters.
func (s *Service) Schedule(_ context.Context, r ScheduleRequest) (Reply, error) {
	if strings.TrimSpace(r.Tenant) == "" {
		return Reply{Text: "Run this command inside a server or workspace."}, nil
	}
	items := selector.Browse(s.cache.Lookup(r.Tenant), r.Month, r.Year)
	if len(items) == 0 {
		return Reply{Text: present.EmptyBrowseText(r.Month, r.Year)}, nil
	}
	return Reply{Text: present.BrowseText(r.Month, r.Year, len(items)), Cards: present.BuildAll(items)}, nil
}

// Refresh reloads the cache from the sheet.
func (s *Service) Refresh(ctx context.Context) (Reply, error) {
	if err := s.runRefresh(ctx); err != nil {
		if errors.Is(err, jobs.ErrSkipped) {
			return Reply{Text: RefreshBusyText}, nil
		}
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Schedule refreshed: %d entries across %d servers.", s.cache.Len(), len(s.cache.Tenants()))}, nil
}

func (s *Service) runRefresh(ctx context.Context) error {
	if s.jobs == nil || s.refreshJob == "" {
		return s.disp.RunRefreshOnly(ctx)
	}
	err := s.jobs.RunNow(ctx, s.refreshJob)
	if errors.Is(err, jobs.ErrUnknownJob) {
		// Commands can arrive before the job is installed.
		return s.disp.RunRefreshOnly(ctx)
	}
	return err
}

// Resend reloads and dispatches today's reminders again.
func (s *Service) Resend(ctx context.Context) (Reply, error) {
	rep, err := s.disp.Resend(ctx)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: reportText(rep)}, nil
}

// Status summarizes the cache, the last cycle and the scheduled jobs.
func (s *Service) Status(ctx context.Context) (Reply, error) {
	now := s.now()
	var b strings.Builder

	if at := s.cache.RefreshedAt(); at.IsZero() {
		b.WriteString("Schedule: not loaded yet\n")
	} else {
		fmt.Fprintf(&b, "Schedule: %d entries, %d servers, refreshed %s ago\n",
			s.cache.Len(), len(s.cache.Tenants()), now.Sub(at).Round(time.Second))
	}

	if rep, at, err := s.disp.LastCycle(); at.IsZero() {
		b.WriteString("Last cycle: none yet\n")
	} else if err != nil {
		fmt.Fprintf(&b, "Last cycle: failed %s ago (%v)\n", now.Sub(at).Round(time.Second), err)
	} else {
		fmt.Fprintf(&b, "Last cycle: %s ago, %s\n", now.Sub(at).Round(time.Second), reportText(rep))
	}

	if s.override != nil {
		if s.override.Fired() {
			b.WriteString("Monthly override: fired\n")
		} else {
			b.WriteString("Monthly override: not fired\n")
		}
	}

	if s.jobs != nil {
		snap := s.jobs.Snapshot()
		js := append([]jobs.JobInfo(nil), snap.Jobs...)
		sort.Slice(js, func(i, j int) bool { return js[i].Name < js[j].Name })
		fmt.Fprintf(&b, "Jobs (%s):\n", snap.Timezone)
		for _, j := range js {
			next := "-"
			if !j.Next.IsZero() {
				next = j.Next.Format("2006-01-02 15:04 MST")
			}
			fmt.Fprintf(&b, "  %s [%s] next %s, runs %d, skipped %d", j.Name, j.Expr, next, j.Runs, j.Skips)
			if j.LastErr != "" {
				fmt.Fprintf(&b, ", last error: %s", j.LastErr)
			}
			b.WriteString("\n")
		}
	}

	if s.audit != nil {
		s.writeProblems(ctx, &b, now.Location())
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

// writeProblems lists the newest failed deliveries and commands from the audit log.
func (s *Service) writeProblems(ctx context.Context, b *strings.Builder, loc *time.Location) {
	entries, err := s.audit.RecentAudit(ctx, auditScan)
	if err != nil {
		s.log.Warn("audit read failed", logx.Err(err))
		b.WriteString("Recent problems: unavailable\n")
		return
	}
	var problems []storage.AuditEntry
	for _, e := range entries {
		if !e.OK && e.Kind != storage.KindCycle {
			problems = append(problems, e)
		}
		if len(problems) == problemsShow {
			break
		}
	}
	if len(problems) == 0 {
		b.WriteString("Recent problems: none\n")
		return
	}
	b.WriteString("Recent problems:\n")
	for _, e := range problems {
		fmt.Fprintf(b, "  %s %s %s", e.At.In(loc).Format("2006-01-02 15:04"), e.Kind, e.Action)
		if e.Target != "" {
			fmt.Fprintf(b, " %s", e.Target)
		}
		if e.Actor != "" {
			fmt.Fprintf(b, " by %s", e.Actor)
		}
		if e.Error != "" {
			fmt.Fprintf(b, ": %s", e.Error)
		}
		b.WriteString("\n")
	}
}

func reportText(rep dispatch.Report) string {
	if rep.Deliveries == 0 {
		return fmt.Sprintf("nothing due for %s", rep.Date)
	}
	return fmt.Sprintf("%s: %d sent, %d failed, %d skipped of %d deliveries (%d items)",
		rep.Date, rep.Sent, rep.Failed, rep.Skipped, rep.Deliveries, rep.Items)
}

func (s *Service) handleSchedule(ctx context.Context, req *Request) (Reply, error) {
	return s.Schedule(ctx, ScheduleRequest{Tenant: req.Tenant, Month: req.Arg("month"), Year: req.Arg("year")})
}

func (s *Service) handleRefresh(ctx context.Context, req *Request) (Reply, error) {
	return s.Refresh(dispatch.WithActor(ctx, req.Caller.ID))
}

func (s *Service) handleResend(ctx context.Context, req *Request) (Reply, error) {
	rep, err := s.Resend(dispatch.WithActor(ctx, req.Caller.ID))
	if err == nil {
		rep.Text = "Reminders resent. " + rep.Text
	}
	return rep, err
}

func (s *Service) handleStatus(ctx context.Context, _ *Request) (Reply, error) {
	return s.Status(ctx)
}
