package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Job names driven by the environment trigger expressions.
const (
	JobMain    = "main"
	JobRefresh = "refresh"
)

// Env is the environment-sourced surface: sheet location, trigger expressions,
// access role, and platform credentials.
type Env struct {
	SpreadsheetID string
	SheetName     string
	RangeStart    string
	RangeEnd      string

	MainCron    string
	RefreshCron string
	AdminRole   string

	DiscordToken    string
	DiscordAppID    string
	DiscordGuildIDs []string

	SlackBotToken      string
	SlackSigningSecret string

	GoogleCredentialsFile string
	GoogleAPIKey          string

	TelegramToken string
}

// Triggers maps job names to their configured expressions.
func (e Env) Triggers() map[string]string {
	return map[string]string{
		JobMain:    e.MainCron,
		JobRefresh: e.RefreshCron,
	}
}

// Range is the A1 notation read from the sheet.
func (e Env) Range() string {
	return "'" + strings.ReplaceAll(e.SheetName, "'", "''") + "'!" + e.RangeStart + ":" + e.RangeEnd
}

// Validate checks the fields required for the chosen platform.
func (e Env) Validate(platform string) error {
	if e.SpreadsheetID == "" {
		return errors.New("SPREADSHEET_ID is required")
	}
	if e.GoogleCredentialsFile == "" && e.GoogleAPIKey == "" {
		return errors.New("GOOGLE_CREDENTIALS_FILE or GOOGLE_API_KEY is required")
	}
	switch platform {
	case PlatformSlack:
		if e.SlackBotToken == "" || e.SlackSigningSecret == "" {
			return errors.New("SLACK_BOT_TOKEN and SLACK_SIGNING_SECRET are required")
		}
	default:
		if e.DiscordToken == "" {
			return errors.New("DISCORD_TOKEN is required")
		}
	}
	return nil
}

// LoadEnv reads path as a dotenv file (a missing file is fine) and overlays the
// process environment, which wins.
func LoadEnv(path string) (Env, error) {
	return loadEnv(path, os.LookupEnv)
}

func loadEnv(path string, lookup func(string) (string, bool)) (Env, error) {
	file := map[string]string{}
	if strings.TrimSpace(path) != "" {
		m, err := godotenv.Read(path)
		switch {
		case err == nil:
			file = m
		case errors.Is(err, os.ErrNotExist):
		default:
			return Env{}, errors.Wrapf(err, "read env file %s", path)
		}
	}

	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if v := strings.TrimSpace(file[key]); v != "" {
			return v
		}
		return def
	}

	return Env{
		SpreadsheetID: get("SPREADSHEET_ID", ""),
		SheetName:     get("SHEET_NAME", "Sheet1"),
		RangeStart:    get("RANGE_START", "A"),
		RangeEnd:      get("RANGE_END", "Z"),

		MainCron:    get("MAIN_CRON", "0 9 * * *"),
		RefreshCron: get("REFRESH_CRON", "*/30 * * * *"),
		AdminRole:   get("ADMIN_ROLE", "Admin"),

		DiscordToken:    get("DISCORD_TOKEN", ""),
		DiscordAppID:    get("DISCORD_APP_ID", ""),
		DiscordGuildIDs: splitList(get("DISCORD_GUILD_IDS", "")),

		SlackBotToken:      get("SLACK_BOT_TOKEN", ""),
		SlackSigningSecret: get("SLACK_SIGNING_SECRET", ""),

		GoogleCredentialsFile: get("GOOGLE_CREDENTIALS_FILE", ""),
		GoogleAPIKey:          get("GOOGLE_API_KEY", ""),

		TelegramToken: get("TELEGRAM_TOKEN", ""),
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
