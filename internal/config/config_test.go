package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAndJSONAgree(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	y := writeFile(t, dir, "config.yaml", `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  poll_interval: 2m
dispatch:
  workers: 8
platform:
  kind: discord
storage:
  driver: file
  path: ./audit
`)
	j := writeFile(t, dir, "config.json", `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"timezone": "UTC", "poll_interval": "2m"},
  "dispatch": {"workers": 8},
  "platform": {"kind": "discord"},
  "storage": {"driver": "file", "path": "./audit"}
}`)

	fromYAML, err := NewConfigManager(y).Parse()
	require.NoError(t, err)
	fromJSON, err := NewConfigManager(j).Parse()
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, 8, fromYAML.Dispatch.Workers)
	require.NotNil(t, fromYAML.Storage)
	assert.Equal(t, "file", fromYAML.Storage.Driver)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "logging:\n  levle: debug\n")
	_, err := NewConfigManager(p).Parse()
	assert.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"logging":{}} {"logging":{}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	p = writeFile(t, t.TempDir(), "config.json", `{"logging":{}} {"unknown":1}`)
	_, err = NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"platform":{"kind":"irc"}}`)
	m := NewConfigManager(p)
	m.SetValidator(Validate)
	_, err := m.Load()
	require.Error(t, err)
	assert.Nil(t, m.Get())
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.SetValidator(Validate)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	writeFile(t, dir, "config.json", `{"logging":{"level":"debug"}}`)
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)

	select {
	case cfg := <-sub:
		assert.Equal(t, "debug", cfg.Logging.Level)
	default:
		t.Fatal("expected a published config")
	}

	writeFile(t, dir, "config.json", `{"dispatch":{"send_timeout":"soon"}}`)
	published, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, published)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "a"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "b"}})
	got := <-sub
	assert.Equal(t, "b", got.Logging.Level)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"logging":{"level":"warn"}}`)

	select {
	case cfg := <-sub:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not publish")
	}
	cancel()
	<-done
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	rt, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, rt.PollInterval)
	assert.Equal(t, 30*time.Second, rt.FetchTimeout)
	assert.Equal(t, 15*time.Second, rt.SendTimeout)
	assert.Equal(t, 60*time.Second, rt.CommandTimeout)
	assert.Equal(t, 4, rt.Workers)
	assert.Equal(t, 5, rt.RatePerSec)
	assert.Equal(t, 5, rt.Burst)
	assert.Equal(t, PlatformDiscord, rt.Platform)
	assert.Zero(t, rt.JobTimeout)
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	tests := map[string]*Config{
		"nil":              nil,
		"bad timezone":     {Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}},
		"bad duration":     {Dispatch: DispatchConfig{SendTimeout: "fast"}},
		"negative":         {Scheduler: SchedulerConfig{JobTimeout: "-1s"}},
		"bad platform":     {Platform: PlatformConfig{Kind: "irc"}},
		"slack needs http": {Platform: PlatformConfig{Kind: "slack"}},
		"bad storage":      {Storage: &StorageConfig{Driver: "postgres"}},
	}
	for name, cfg := range tests {
		_, err := Resolve(cfg)
		assert.Error(t, err, name)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Dispatch: DispatchConfig{Workers: 2},
		Storage:  &StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dispatch", "logging", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(changed))

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}
