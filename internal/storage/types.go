package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("storage closed")

// Config configures the audit store.
//
// Driver values:
//   - "file": JSON Lines file, no external dependencies
//   - "sqlite": SQLite database file with versioned migrations
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry kinds.
const (
	KindDelivery = "delivery"
	KindCommand  = "command"
	KindCycle    = "cycle"
)

// AuditEntry records one delivery attempt, command, or cycle.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Actor  string    `json:"actor,omitempty"`
	Tenant string    `json:"tenant,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	Items  int       `json:"items,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

// Store is the persistence API used by the dispatcher and command layer.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}
