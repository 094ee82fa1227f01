package config

import (
	"reflect"
	"sort"
	"strings"

	"remindbot/pkg/logx"
)

// SummarizeChange lists the changed config sections plus safe log fields.
// Tokens never appear in the output.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.job_timeout", strings.TrimSpace(newCfg.Scheduler.JobTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.send_timeout", strings.TrimSpace(newCfg.Dispatch.SendTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platform, newCfg.Platform) {
		changed = append(changed, "platform")
		attrs = append(attrs, logx.String("platform.kind", newCfg.Platform.Kind))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0))
	}

	var oDriver, nDriver string
	var oPath, nPath bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.path_set", nPath))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "platform", "http", "storage", "telegram":
			out = append(out, s)
		}
	}
	return out
}
