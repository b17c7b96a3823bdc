package registry

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/fleetd/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "fleet-v1-2026-07-02-task-registry"

	defaultMaxRetries = 3

	// DefaultQueryLimit bounds read paths that do not specify a limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the hard cap for any single query.
	MaxQueryLimit = 500
)

// Store is the durable backing for the task registry. A single SQLite
// connection serializes all writers, which is what stands in for row-level
// `SELECT ... FOR UPDATE` locking on a server database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the canonical database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetd", "fleetd.db")
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for components (governor) that need to
// run their own transactions against the same connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS fleet_tasks (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL,
			agent_type TEXT NOT NULL CHECK(agent_type IN ('claude_code', 'codex', 'gemini')),
			model TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL CHECK(task_type IN ('bug_fix', 'feature', 'refactor', 'review', 'docs')),
			description TEXT NOT NULL,
			branch TEXT NOT NULL,
			worktree_path TEXT,
			container_id TEXT,
			tmux_session TEXT,
			status TEXT NOT NULL CHECK(status IN ('proposed', 'spawning', 'running', 'pr_created', 'reviewing', 'ready', 'merged', 'failed', 'retrying', 'abandoned', 'rejected', 'cancelled')),
			version INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			failure_context TEXT,
			context_hash TEXT,
			pr_number INTEGER,
			ci_status TEXT,
			review_status TEXT,
			spawned_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (retry_count <= max_retries),
			CHECK (container_id IS NULL OR tmux_session IS NULL)
		);`,
		`CREATE TABLE IF NOT EXISTS fleet_task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES fleet_tasks(id) ON DELETE CASCADE,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_fleet_tasks_operator_status ON fleet_tasks(operator_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_tasks_context_hash ON fleet_tasks(context_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_tasks_status ON fleet_tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_task_events_task ON fleet_task_events(task_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const taskColumns = `
	id,
	operator_id,
	agent_type,
	model,
	task_type,
	description,
	branch,
	COALESCE(worktree_path, ''),
	COALESCE(container_id, ''),
	COALESCE(tmux_session, ''),
	status,
	version,
	retry_count,
	max_retries,
	COALESCE(failure_context, ''),
	COALESCE(context_hash, ''),
	COALESCE(pr_number, 0),
	COALESCE(ci_status, ''),
	COALESCE(review_status, ''),
	spawned_at,
	completed_at,
	created_at,
	updated_at`

func scanTask(scanFn func(dest ...any) error, task *FleetTask) error {
	var spawnedAt, completedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.OperatorID,
		&task.AgentType,
		&task.Model,
		&task.TaskType,
		&task.Description,
		&task.Branch,
		&task.WorktreePath,
		&task.ContainerID,
		&task.TmuxSession,
		&task.Status,
		&task.Version,
		&task.RetryCount,
		&task.MaxRetries,
		&task.FailureContext,
		&task.ContextHash,
		&task.PRNumber,
		&task.CIStatus,
		&task.ReviewStatus,
		&spawnedAt,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if spawnedAt.Valid {
		t := spawnedAt.Time
		task.SpawnedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

// statusPlaceholders builds a `?, ?, ...` list and the matching args for an
// IN clause over statuses.
func statusPlaceholders(statuses []Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = st
	}
	return strings.Join(marks, ", "), args
}
