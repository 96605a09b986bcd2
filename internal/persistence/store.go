// Package persistence keeps write-behind snapshots of tasks and the retry
// queue in a local SQLite database. The in-memory stores are authoritative;
// this layer exists so a restart can rehydrate non-terminal work and so the
// audit trail survives in queryable form.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kitz-os/opscore/internal/guardian"
	"github.com/kitz-os/opscore/internal/lifecycle"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	received_at TEXT NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);

CREATE TABLE IF NOT EXISTS retry_queue (
	task_id TEXT PRIMARY KEY,
	data    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	trace_id  TEXT,
	actor     TEXT NOT NULL,
	action    TEXT NOT NULL,
	decision  TEXT NOT NULL,
	reason    TEXT
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
INSERT INTO meta (key, value) VALUES ('schema_version', '1')
	ON CONFLICT(key) DO NOTHING;
`

// Store wraps the SQLite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database under homeDir and applies the schema.
func Open(homeDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(homeDir, "opscore.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps SQLite happy under WAL.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the handle for the audit package.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveTask upserts a task snapshot.
func (s *Store) SaveTask(ctx context.Context, task *lifecycle.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, status, received_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			data = excluded.data`,
		task.ID, task.UserID, string(task.Status), task.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z"), string(data))
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes a task snapshot.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// LoadTasks returns all persisted task snapshots for rehydration.
func (s *Store) LoadTasks(ctx context.Context) ([]*lifecycle.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var out []*lifecycle.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t lifecycle.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			s.logger.Warn("skipping corrupt task snapshot", "error", err)
			continue
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SaveRetryEntry upserts a retry-queue snapshot.
func (s *Store) SaveRetryEntry(ctx context.Context, e guardian.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal retry entry %s: %w", e.TaskID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_queue (task_id, data) VALUES (?, ?)
		ON CONFLICT(task_id) DO UPDATE SET data = excluded.data`,
		e.TaskID, string(data))
	if err != nil {
		return fmt.Errorf("save retry entry %s: %w", e.TaskID, err)
	}
	return nil
}

// DeleteRetryEntry removes a retry-queue snapshot.
func (s *Store) DeleteRetryEntry(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete retry entry %s: %w", taskID, err)
	}
	return nil
}

// LoadRetryEntries returns all persisted retry-queue entries.
func (s *Store) LoadRetryEntries(ctx context.Context) ([]guardian.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM retry_queue`)
	if err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	defer rows.Close()

	var out []guardian.Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		var e guardian.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.logger.Warn("skipping corrupt retry snapshot", "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
