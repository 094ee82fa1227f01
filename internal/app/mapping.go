package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/jobs"
	"remindbot/internal/sheets"
	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config, opsAvailable bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			// Without an adapter there is nowhere to send; keep the sink off to avoid warnings.
			Enabled:    cfg.Logging.Telegram.Enabled && opsAvailable,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./remindbot-audit.jsonl"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapJobsConfig(rt config.Runtime) jobs.Config {
	return jobs.Config{
		Timezone:       rt.Timezone,
		DefaultTimeout: rt.JobTimeout,
		HistorySize:    rt.HistorySize,
	}
}

func mapDispatchConfig(rt config.Runtime) dispatch.Config {
	return dispatch.Config{
		Workers:      rt.Workers,
		RatePerSec:   rt.RatePerSec,
		Burst:        rt.Burst,
		FetchTimeout: rt.FetchTimeout,
		SendTimeout:  rt.SendTimeout,
	}
}

func mapSheetTarget(env config.Env) sheets.Target {
	return sheets.Target{SpreadsheetID: env.SpreadsheetID, Range: env.Range()}
}

// location resolves the scheduler timezone. Empty means Local.
func location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
