package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) SendOps(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return nil
}

func (s *recordingSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Warn("delivery failed", Int("items", 3), Err(errors.New("boom")), Err(nil), Stack(" "))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "delivery failed", m["message"])
	assert.Equal(t, "dispatch", m["comp"])
	assert.EqualValues(t, 3, m["items"])
	assert.NotContains(t, m, "stack")
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logging_test.go:"))
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	zero.Info("must not panic")
	Nop().With(String("k", "v")).Error("discarded")
}

func TestFormatOpsLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"x","message":"refresh failed","comp":"dispatch","err":"quota"}`
	assert.Equal(t, "[ERROR] refresh failed\n- comp=dispatch\n- err=quota", formatOpsLine([]byte(line)))
	assert.Equal(t, "not json", formatOpsLine([]byte(" not json \n")))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelWarn, parseLevel(" warning ", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel("DEBUG", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("loud", LevelInfo))
}

func TestServiceForwardsToOpsSink(t *testing.T) {
	// New mutates zerolog globals; keep these serial.
	sink := &recordingSink{}
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Ops:   OpsConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, sink)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("cycle complete")
	log.Error("refresh failed", String("comp", "dispatch"))

	require.Eventually(t, func() bool { return len(sink.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(sink.got()[0], "[ERROR] refresh failed"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cycle complete")
	assert.Contains(t, string(b), "refresh failed")
}

func TestServiceApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("before")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("after")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "before")
	assert.Contains(t, string(b), "after")
}
