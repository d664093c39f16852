package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/schoolhub/syncq/internal/syncq/observe"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

// SQLite is a Store backed by an embedded SQLite database in WAL mode.
//
// Architecture:
//   - Database file: <data_dir>/queue.db
//   - One table, tasks, keyed by id, ordered by (created_at, seq)
//   - seq is an autoincrement column used only to break createdAt ties
//
// The caller MUST call Close() when done to ensure the WAL is checkpointed.
type SQLite struct {
	conn *sql.DB
	path string

	mu       sync.RWMutex
	notifyMu sync.Mutex

	listeners observe.List[Change]
}

var _ Store = (*SQLite)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	endpoint   TEXT NOT NULL,
	method     TEXT NOT NULL,
	body       TEXT,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(created_at, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const selectColumns = `seq, id, endpoint, method, body, created_at, attempts, status, last_error`

// OpenSQLite opens (creating if needed) the queue database at path and
// initializes its schema.
//
// Example:
//
//	s, err := store.OpenSQLite(".syncq/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
func OpenSQLite(path string) (*SQLite, error) {
	return OpenSQLiteContext(context.Background(), path)
}

// OpenSQLiteContext is OpenSQLite with context support.
func OpenSQLiteContext(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per connection, so they go in the DSN
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{conn: conn, path: path}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Append implements Store.Append.
func (s *SQLite) Append(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, err := s.get(ctx, t.ID); err == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	} else if !errors.Is(err, ErrNotFound) {
		s.mu.Unlock()
		return err
	}

	query := `
	INSERT INTO tasks (id, endpoint, method, body, created_at, attempts, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query,
		t.ID,
		t.Endpoint,
		string(t.Method),
		bodyToNullString(t.Body),
		t.CreatedAt,
		t.Attempts,
		string(t.Status),
		stringToNull(t.LastError),
	)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}

	s.publish(Change{Op: OpAppended, Task: t.Clone()})
	return nil
}

// List implements Store.List.
func (s *SQLite) List(ctx context.Context) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrClosed
	}

	query := `SELECT ` + selectColumns + ` FROM tasks ORDER BY created_at ASC, seq ASC`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []task.Task{}
	for rows.Next() {
		t, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// Get implements Store.Get.
func (s *SQLite) Get(ctx context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return task.Task{}, ErrClosed
	}
	return s.get(ctx, id)
}

func (s *SQLite) get(ctx context.Context, id string) (task.Task, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	t, _, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Update implements Store.Update.
func (s *SQLite) Update(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	current, err := s.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	updated, err := p.Apply(current)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}

	query := `UPDATE tasks SET status = ?, attempts = ?, last_error = ? WHERE id = ?`
	_, err = s.conn.ExecContext(ctx, query,
		string(updated.Status),
		updated.Attempts,
		stringToNull(updated.LastError),
		id,
	)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}

	s.publish(Change{Op: OpUpdated, Task: updated})
	return nil
}

// Remove implements Store.Remove.
func (s *SQLite) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	current, err := s.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	s.publish(Change{Op: OpRemoved, Task: current})
	return nil
}

// Count returns the number of stored records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return 0, ErrClosed
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

// Subscribe implements Store.Subscribe.
func (s *SQLite) Subscribe(l Listener) func() {
	return s.listeners.Add(l)
}

// publish releases s.mu and notifies listeners under notifyMu, so
// notifications are delivered in commit order. The caller must hold s.mu.
func (s *SQLite) publish(c Change) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.listeners.Notify(c)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one row selected with selectColumns.
func scanTask(row scanner) (task.Task, int64, error) {
	var (
		t         task.Task
		seq       int64
		method    string
		status    string
		body      sql.NullString
		lastError sql.NullString
	)

	err := row.Scan(&seq, &t.ID, &t.Endpoint, &method, &body, &t.CreatedAt, &t.Attempts, &status, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, 0, err
		}
		return task.Task{}, 0, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Method = task.Method(method)
	t.Status = task.Status(status)
	if body.Valid {
		t.Body = []byte(body.String)
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}
	return t, seq, nil
}

func bodyToNullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
