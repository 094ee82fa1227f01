package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"remindbot/pkg/logx"
)

const fileRecentCap = 500

// fileStore appends audit entries to <prefix>.audit.jsonl and keeps the most
// recent ones in memory for RecentAudit. The tail is replayed on open.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []AuditEntry // oldest first, capped at fileRecentCap
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	auditPath := filepath.Join(dir, base) + ".audit.jsonl"

	recent, err := replayAudit(auditPath, fileRecentCap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit replay failed; starting with empty history", logx.String("path", auditPath), logx.Err(err))
	}

	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open audit file")
	}
	log.Debug("file store opened", logx.String("path", auditPath), logx.Int("replayed", len(recent)))
	return &fileStore{log: log, f: f, recent: recent}, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return errors.Wrap(err, "append audit")
	}
	s.recent = appendCapped(s.recent, e, fileRecentCap)
	return nil
}

func (s *fileStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// replayAudit reads the last keep entries of path. Malformed lines are skipped.
func replayAudit(path string, keep int) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = appendCapped(out, e, keep)
	}
	return out, sc.Err()
}

func appendCapped(s []AuditEntry, e AuditEntry, keep int) []AuditEntry {
	s = append(s, e)
	if len(s) > keep {
		s = append(s[:0:0], s[len(s)-keep:]...)
	}
	return s
}
