// Package audit records every tool invocation and every retry/handoff
// decision to an append-only JSONL log and, when configured, a sqlite table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kitz-os/opscore/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. Decisions are "allow", "deny", "not_found",
// "retry", "handoff", "escalate" and the like; reason carries free text and
// is redacted before persistence. The local JSONL append happens inline to
// preserve line order; the database insert is detached so tool invocations
// never wait on sqlite.
func Record(traceID, actor, action, decision, reason string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Actor:     actor,
			Action:    action,
			Decision:  decision,
			Reason:    reason,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	d := db
	mu.Unlock()

	if d != nil {
		shared.Detach(nil, "audit.insert", func(ctx context.Context) error {
			_, err := d.ExecContext(ctx, `
				INSERT INTO audit_log (trace_id, actor, action, decision, reason)
				VALUES (?, ?, ?, ?, ?);
			`, traceID, actor, action, decision, reason)
			return err
		})
	}
}
