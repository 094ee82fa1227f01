package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GuiaBolso/darwin"
	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"remindbot/pkg/logx"
)

var migrations = []darwin.Migration{
	{
		Version:     1,
		Description: "create audit table",
		Script: `CREATE TABLE IF NOT EXISTS audit (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			at      TEXT    NOT NULL,
			kind    TEXT    NOT NULL,
			actor   TEXT,
			tenant  TEXT,
			action  TEXT    NOT NULL,
			target  TEXT,
			items   INTEGER NOT NULL DEFAULT 0,
			ok      INTEGER NOT NULL,
			err     TEXT,
			took_ms INTEGER NOT NULL DEFAULT 0
		);`,
	},
	{
		Version:     2,
		Description: "index audit by time",
		Script:      `CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);`,
	},
}

type sqliteStore struct {
	log logx.Logger

	// mu is held shared by readers and writers and exclusively by Close.
	mu sync.RWMutex
	db *sql.DB
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := darwin.New(darwin.NewGenericDriver(db, darwin.SqliteDialect{}), migrations, nil).Migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int("migrations", len(migrations)))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, actor, tenant, action, target, items, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, nullStr(e.Actor), nullStr(e.Tenant),
		e.Action, nullStr(e.Target), e.Items, boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return errors.Wrap(err, "insert audit")
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, actor, tenant, action, target, items, ok, err, took_ms
		 FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query audit")
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                              AuditEntry
			at                             string
			actor, tenant, target, errText sql.NullString
			ok                             int
		)
		if err := rows.Scan(&at, &e.Kind, &actor, &tenant, &e.Action, &target, &e.Items, &ok, &errText, &e.TookMS); err != nil {
			return nil, errors.Wrap(err, "scan audit")
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Actor, e.Tenant, e.Target, e.Error = actor.String, tenant.String, target.String, errText.String
		e.OK = ok != 0
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit")
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
