package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/jobs"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/schedule"
	"remindbot/internal/selector"
	"remindbot/internal/sheets"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/internal/transport/discord"
	slacktr "remindbot/internal/transport/slack"
	"remindbot/internal/transport/telegram"
	"remindbot/pkg/logx"
)

// JobConfigPoll re-reads the environment and reconciles triggers.
const JobConfigPoll = "config.poll"

type Options struct {
	ConfigPath string
	EnvPath    string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	rt   config.Runtime

	envMu sync.Mutex
	env   config.Env

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	src      *sheets.GoogleSource
	cache    *schedule.Cache
	orch     *dispatch.Orchestrator
	jobs     *jobs.Manager
	cmds     *commands.Service
	platform transport.Session
	slack    *slacktr.Session
	ops      *telegram.Adapter
	http     *http.Server

	supMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	env, err := config.LoadEnv(opts.EnvPath)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(rt.Platform); err != nil {
		return nil, err
	}

	// Logging starts with the ops sink off; it is enabled once the adapter exists.
	logSvc, root := logx.New(mapLogConfig(cfg, false), nil)
	log := root.With(logx.String("comp", "app"))

	var ops *telegram.Adapter
	if env.TelegramToken != "" && rt.TelegramChatID != 0 {
		ops, err = telegram.New(telegram.Config{
			Token:       env.TelegramToken,
			ChatID:      rt.TelegramChatID,
			ThreadID:    rt.TelegramThreadID,
			PollTimeout: rt.TelegramPollTimeout,
		}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		logSvc.SetSink(ops)
		logSvc.Apply(mapLogConfig(cfg, true))
	} else if cfg.Logging.Telegram.Enabled {
		log.Warn("telegram logging enabled but TELEGRAM_TOKEN or telegram.chat_id missing; ops sink disabled")
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	src, err := sheets.NewGoogleSource(ctx, sheets.Credentials{
		File:   env.GoogleCredentialsFile,
		APIKey: env.GoogleAPIKey,
	}, mapSheetTarget(env), root.With(logx.String("comp", "sheets")))
	if err != nil {
		return nil, err
	}

	platform, slackSess, err := newPlatform(rt, env, root)
	if err != nil {
		return nil, err
	}

	cache := schedule.NewCache()
	sel := selector.New(selector.WithLatch(selector.NewOverrideLatch(false)))
	dopts := []dispatch.Option{dispatch.WithLocation(location(rt.Timezone))}
	if store != nil {
		dopts = append(dopts, dispatch.WithAudit(store))
	}
	orch := dispatch.New(mapDispatchConfig(rt), src, cache, sel, platform,
		root.With(logx.String("comp", "dispatch")), dopts...)

	jm := jobs.New(mapJobsConfig(rt), root.With(logx.String("comp", "jobs")))

	copts := []commands.Option{
		commands.WithJobs(jm),
		commands.WithRefreshJob(config.JobRefresh),
		commands.WithOverride(sel.Latch()),
	}
	if store != nil {
		copts = append(copts, commands.WithAudit(store))
	}
	cmds := commands.New(cache, orch, rt.CommandTimeout, root.With(logx.String("comp", "commands")), copts...)

	a := &App{
		opts:     opts,
		cfgm:     cfgm,
		rt:       rt,
		env:      env,
		log:      log,
		logs:     logSvc,
		store:    store,
		src:      src,
		cache:    cache,
		orch:     orch,
		jobs:     jm,
		cmds:     cmds,
		platform: platform,
		slack:    slackSess,
		ops:      ops,
	}

	switch p := platform.(type) {
	case *discord.Session:
		p.SetHandler(cmds, commands.Specs())
	case *slacktr.Session:
		p.SetHandler(cmds)
	}
	if ops != nil {
		ops.SetHandler(cmds)
	}

	if rt.HTTPAddr != "" {
		a.http = &http.Server{
			Addr:              rt.HTTPAddr,
			Handler:           a.routes(),
			ReadTimeout:       rt.HTTPReadTimeout,
			ReadHeaderTimeout: rt.HTTPReadTimeout,
			WriteTimeout:      rt.HTTPWriteTimeout,
		}
	}
	return a, nil
}

func newPlatform(rt config.Runtime, env config.Env, root logx.Logger) (transport.Session, *slacktr.Session, error) {
	switch rt.Platform {
	case config.PlatformSlack:
		s, err := slacktr.New(slacktr.Config{
			BotToken:      env.SlackBotToken,
			SigningSecret: env.SlackSigningSecret,
		}, root.With(logx.String("comp", "slack")))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := discord.New(discord.Config{
			Token:          env.DiscordToken,
			AppID:          env.DiscordAppID,
			GuildIDs:       env.DiscordGuildIDs,
			AdminRole:      env.AdminRole,
			Presence:       rt.Presence,
			GlobalCommands: rt.GlobalCommands,
		}, root.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(a.cache, a.orch, a.supervisor))
	if a.slack != nil {
		mux.Handle("/slack/commands", a.slack.CommandsHandler())
	}
	if mountPprof(mux, a.rt.PprofToken) {
		a.log.Info("pprof endpoints mounted", logx.String("prefix", pprofPrefix))
	}
	return mux
}

func (a *App) supervisor() *supervisor.Supervisor {
	a.supMu.Lock()
	defer a.supMu.Unlock()
	return a.sup
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	sup := a.supervisor()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error { return a.supervisor().Err() }

func (a *App) Start(ctx context.Context) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))
	a.supMu.Lock()
	a.sup = sup
	a.supMu.Unlock()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	runCtx := sup.Context()

	if a.ops != nil {
		if err := a.ops.Start(runCtx); err != nil {
			return err
		}
	}
	if err := a.platform.Start(runCtx); err != nil {
		return err
	}

	// Commands should have data before the first trigger fires. A failure here
	// is not fatal; the refresh job retries on its own schedule.
	if err := a.orch.RunRefreshOnly(runCtx); err != nil {
		a.log.Warn("initial refresh failed", logx.Err(err))
	}

	if err := a.scheduleJobs(); err != nil {
		return err
	}
	a.jobs.Start(runCtx)

	if a.http != nil {
		srv := a.http
		sup.Go("http", func(c context.Context) error {
			return serveHTTP(c, srv, a.log.With(logx.String("comp", "http")))
		})
	}

	a.startConfigReload(sup)
	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log.With(logx.String("comp", "systemd")), func() bool { return sup.Err() == nil })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("platform", a.platform.Name()),
		logx.String("timezone", a.rt.Timezone),
		logx.Bool("ops_chat", a.ops != nil),
		logx.Bool("audit", a.store != nil),
	)
	return nil
}

func (a *App) scheduleJobs() error {
	a.envMu.Lock()
	triggers := a.env.Triggers()
	a.envMu.Unlock()

	if err := a.jobs.Schedule(config.JobMain, triggers[config.JobMain], func(ctx context.Context) error {
		_, err := a.orch.RunMainCycle(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := a.jobs.Schedule(config.JobRefresh, triggers[config.JobRefresh], a.orch.RunRefreshOnly); err != nil {
		return err
	}
	return a.jobs.Schedule(JobConfigPoll, a.rt.PollInterval.String(), a.pollEnv)
}

// pollEnv re-reads the environment so trigger and sheet changes apply without a restart.
func (a *App) pollEnv(context.Context) error {
	env, err := config.LoadEnv(a.opts.EnvPath)
	if err != nil {
		return err
	}

	a.envMu.Lock()
	prev := a.env
	a.env = env
	a.envMu.Unlock()

	if t := mapSheetTarget(env); t != mapSheetTarget(prev) {
		a.src.SetTarget(t)
		a.log.Info("sheet target changed", logx.String("spreadsheet", t.SpreadsheetID), logx.String("range", t.Range))
	}
	if changed := a.jobs.Reconcile(env.Triggers()); len(changed) > 0 {
		a.log.Debug("triggers reconciled", logx.Strings("jobs", changed))
	}
	if env.AdminRole != prev.AdminRole || env.DiscordToken != prev.DiscordToken || env.SlackBotToken != prev.SlackBotToken {
		a.log.Warn("platform credentials or admin role changed; restart required")
	}
	return nil
}

// startConfigReload applies published file config changes that can take effect live.
func (a *App) startConfigReload(sup *supervisor.Supervisor) {
	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	rt, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg, a.ops != nil))
	a.jobs.Apply(mapJobsConfig(rt))
	a.orch.Apply(mapDispatchConfig(rt))
	a.orch.SetLocation(location(rt.Timezone))
	a.cmds.SetTimeout(rt.CommandTimeout)
	if rt.PollInterval != a.rt.PollInterval {
		if err := a.jobs.Schedule(JobConfigPoll, rt.PollInterval.String(), a.pollEnv); err != nil {
			a.log.Warn("poll interval change rejected", logx.Err(err))
		}
	}
	a.rt = rt

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	sup := a.supervisor()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max(limit, 0))
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("jobs", 3*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("platform", 2*time.Second, a.platform.Stop)
	if a.ops != nil {
		step("telegram", 2*time.Second, a.ops.Stop)
	}
	step("supervisor", 4*time.Second, sup.Wait)
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
