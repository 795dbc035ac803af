package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

// Store is the persistence API used by the bot components.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// Recent returns up to n audit entries, newest first.
	Recent(ctx context.Context, n int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Audit appends e if st is non-nil. Failures are logged, never returned:
// the audit trail must not block the action it records.
func Audit(ctx context.Context, st Store, log logx.Logger, e AuditEntry) {
	if st == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := st.AppendAudit(ctx, e); err != nil && !log.IsZero() {
		log.Warn("audit append failed", logx.String("kind", e.Kind), logx.String("action", e.Action), logx.Err(err))
	}
}
