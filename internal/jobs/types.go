package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/pkg/logx"
)

// Config controls the job manager.
type Config struct {
	Timezone       string        // IANA TZ, e.g. "America/New_York"; empty means Local
	DefaultTimeout time.Duration // per-run bound; 0 disables
	HistorySize    int
}

// Action is the work a job performs on each trigger.
type Action func(ctx context.Context) error

// runState tracks whether a job is in flight. A trigger that finds the job
// already running is skipped.
type runState struct {
	mu       sync.Mutex
	inflight bool

	runs    uint64
	skips   uint64
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		s.skips++
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release(started time.Time, took time.Duration, err error) {
	s.mu.Lock()
	s.inflight = false
	s.runs++
	s.lastRun = started
	s.lastDur = took
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
}

type jobDef struct {
	name    string
	expr    string
	trigger Trigger
	action  Action
	entryID cron.EntryID
	state   *runState
}

// JobInfo is a read-only view of one job.
type JobInfo struct {
	Name     string
	Expr     string
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skips    uint64
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
}

// HistoryItem records one finished run.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Snapshot is a diagnostics view of the manager.
type Snapshot struct {
	Running  bool
	Timezone string
	Jobs     []JobInfo
	History  []HistoryItem
}

// Manager holds named recurring jobs over one robfig/cron instance.
type Manager struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef

	baseCtx context.Context
	cancel  context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}
