package config

// Config is the file-sourced runtime configuration (config.json or config.yaml).
// Credentials and the sheet/trigger surface come from the environment (see Env).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Platform  PlatformConfig  `json:"platform"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the ops chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the job manager. Durations are Go duration strings.
//
// Defaults:
//   - timezone: Local
//   - poll_interval: "1m" (how often trigger expressions are re-read from the environment)
//   - job_timeout: "0s" (disabled)
//   - history_size: 50
type SchedulerConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// DispatchConfig tunes reminder fan-out.
//
// Defaults:
//   - workers: 4
//   - rate_per_sec: 5, burst: 5
//   - fetch_timeout: "30s", send_timeout: "15s", command_timeout: "60s"
type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	Burst          int    `json:"burst,omitempty"`
	FetchTimeout   string `json:"fetch_timeout,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// PlatformConfig selects the chat platform.
type PlatformConfig struct {
	Kind     string `json:"kind"` // "discord" | "slack"
	Presence string `json:"presence,omitempty"`
	// GlobalCommands registers Discord slash commands application-wide instead of per guild.
	GlobalCommands bool `json:"global_commands,omitempty"`
}

// HTTPConfig controls the listener serving /healthz and Slack slash commands.
// An empty addr disables it.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// PprofToken mounts /debug/pprof/ on the listener, guarded by this bearer token.
	PprofToken string `json:"pprof_token,omitempty"`
}

// TelegramConfig targets the ops chat. The bot token comes from TELEGRAM_TOKEN.
type TelegramConfig struct {
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StorageConfig controls the optional audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
