package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl audit log plus a dedup snapshot and journal
//   - "sqlite": single SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit kinds.
const (
	KindAdmin    = "admin"
	KindEndpoint = "endpoint"
	KindDispatch = "dispatch"
)

// AuditEntry records an admin action, an endpoint transition or a dispatch
// result. Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	Kind          string    `json:"kind"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
	Meta          string    `json:"meta,omitempty"`
}

// recentCap bounds how many audit entries Recent can return.
const recentCap = 64
