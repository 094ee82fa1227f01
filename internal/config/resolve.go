package config

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	PlatformDiscord = "discord"
	PlatformSlack   = "slack"
)

// Runtime is Config with defaults applied and durations parsed.
type Runtime struct {
	Timezone     string
	PollInterval time.Duration
	JobTimeout   time.Duration
	HistorySize  int

	Workers        int
	RatePerSec     int
	Burst          int
	FetchTimeout   time.Duration
	SendTimeout    time.Duration
	CommandTimeout time.Duration

	Platform       string
	Presence       string
	GlobalCommands bool

	HTTPAddr         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	PprofToken       string

	TelegramChatID      int64
	TelegramThreadID    int
	TelegramPollTimeout time.Duration
}

// Resolve validates cfg and fills defaults.
func Resolve(cfg *Config) (Runtime, error) {
	if cfg == nil {
		return Runtime{}, errors.New("config is nil")
	}
	var (
		rt  Runtime
		err error
	)

	rt.Timezone = strings.TrimSpace(cfg.Scheduler.Timezone)
	if rt.Timezone != "" {
		if _, lerr := time.LoadLocation(rt.Timezone); lerr != nil {
			return Runtime{}, errors.Wrapf(lerr, "scheduler.timezone %q", rt.Timezone)
		}
	}
	if rt.PollInterval, err = ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, time.Minute); err != nil {
		return Runtime{}, err
	}
	if rt.JobTimeout, err = ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout); err != nil {
		return Runtime{}, err
	}
	rt.HistorySize = positiveOr(cfg.Scheduler.HistorySize, 50)

	rt.Workers = positiveOr(cfg.Dispatch.Workers, 4)
	rt.RatePerSec = positiveOr(cfg.Dispatch.RatePerSec, 5)
	rt.Burst = positiveOr(cfg.Dispatch.Burst, rt.RatePerSec)
	if rt.FetchTimeout, err = ParseDurationOrDefault("dispatch.fetch_timeout", cfg.Dispatch.FetchTimeout, 30*time.Second); err != nil {
		return Runtime{}, err
	}
	if rt.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 15*time.Second); err != nil {
		return Runtime{}, err
	}
	if rt.CommandTimeout, err = ParseDurationOrDefault("dispatch.command_timeout", cfg.Dispatch.CommandTimeout, time.Minute); err != nil {
		return Runtime{}, err
	}

	rt.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform.Kind))
	if rt.Platform == "" {
		rt.Platform = PlatformDiscord
	}
	if rt.Platform != PlatformDiscord && rt.Platform != PlatformSlack {
		return Runtime{}, errors.Newf("platform.kind: unsupported %q (want discord or slack)", cfg.Platform.Kind)
	}
	rt.Presence = strings.TrimSpace(cfg.Platform.Presence)
	if rt.Presence == "" {
		rt.Presence = "sponsor schedules"
	}
	rt.GlobalCommands = cfg.Platform.GlobalCommands

	rt.HTTPAddr = strings.TrimSpace(cfg.HTTP.Addr)
	if rt.HTTPReadTimeout, err = ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second); err != nil {
		return Runtime{}, err
	}
	if rt.HTTPWriteTimeout, err = ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 10*time.Second); err != nil {
		return Runtime{}, err
	}
	rt.PprofToken = strings.TrimSpace(cfg.HTTP.PprofToken)
	if rt.Platform == PlatformSlack && rt.HTTPAddr == "" {
		return Runtime{}, errors.New("http.addr is required for slack slash commands")
	}

	rt.TelegramChatID = cfg.Telegram.ChatID
	rt.TelegramThreadID = cfg.Telegram.ThreadID
	if rt.TelegramPollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return Runtime{}, err
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return Runtime{}, errors.Newf("storage.driver: unsupported %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return Runtime{}, err
		}
	}
	return rt, nil
}

// Validate is the ConfigManager validator hook.
func Validate(_ context.Context, cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
