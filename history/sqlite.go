// SQLite conversation storage.
//
// Information Hiding:
// - SQLite connection management hidden behind interface
// - Schema and expiry bookkeeping encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore implements Store on a SQLite database file. A durable local
// alternative to Redis: history survives restarts without any server.
type SqliteStore struct {
	db       *sql.DB
	maxTurns int
	ttl      time.Duration

	// now is swapped out in tests to control expiry.
	now func() time.Time
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string, maxTurns int, ttl time.Duration) (*SqliteStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	store := &SqliteStore{db: db, maxTurns: maxTurns, ttl: ttl, now: time.Now}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory(maxTurns int, ttl time.Duration) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}

	store := &SqliteStore{db: db, maxTurns: maxTurns, ttl: ttl, now: time.Now}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			expires_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
		ON messages(session_id, id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// purgeExpired drops a session's rows once its expires_at has passed, so
// expired history never resurfaces. NULL expires_at means no expiry.
func (s *SqliteStore) purgeExpired(ctx context.Context, run execer, sessionID string) error {
	now := s.now().Unix()

	_, err := run.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id = ?
		AND session_id IN (
			SELECT session_id FROM sessions
			WHERE expires_at IS NOT NULL AND expires_at <= ?
		)`,
		sessionID, now)
	if err != nil {
		return fmt.Errorf("failed to purge expired messages: %w", err)
	}

	_, err = run.ExecContext(ctx,
		"DELETE FROM sessions WHERE session_id = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		sessionID, now)
	if err != nil {
		return fmt.Errorf("failed to purge expired session: %w", err)
	}

	return nil
}

// Append inserts the message, trims to max turns, and pushes expires_at out.
func (s *SqliteStore) Append(ctx context.Context, sessionID string, msg Message) error {
	msg.Role = NormalizeRole(msg.Role)
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	if err := s.purgeExpired(ctx, tx, sessionID); err != nil {
		return err
	}

	var expiresAt interface{}
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl).Unix()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, expires_at) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			updated_at = datetime('now')`,
		sessionID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (session_id, role, content, ts) VALUES (?, ?, ?, ?)",
		sessionID, string(msg.Role), msg.Content, ts.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if s.maxTurns > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE session_id = ?
				ORDER BY id DESC LIMIT ?
			)`,
			sessionID, sessionID, s.maxTurns)
		if err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Messages returns the session's history in insertion order.
// Returns empty slice if the session doesn't exist or has expired.
func (s *SqliteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := s.purgeExpired(ctx, s.db, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, ts FROM messages WHERE session_id = ? ORDER BY id ASC",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{} // Start with empty slice, not nil
	for rows.Next() {
		var role, content string
		var ts int64
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, Message{
			Role:      Role(role),
			Content:   content,
			Timestamp: time.Unix(ts, 0).UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// Clear deletes the session and its messages.
func (s *SqliteStore) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Count returns the number of stored messages.
func (s *SqliteStore) Count(ctx context.Context, sessionID string) (int, error) {
	if err := s.purgeExpired(ctx, s.db, sessionID); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?",
		sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Ping checks the database connection.
func (s *SqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite unreachable: %w", err)
	}
	return nil
}

// Name returns the backend label.
func (s *SqliteStore) Name() string {
	return "sqlite"
}

// Verify SqliteStore implements Store
var _ Store = (*SqliteStore)(nil)
