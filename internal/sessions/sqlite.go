package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/tether/internal/llm"
)

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the session database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database, creating the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, id);
	`)
	return err
}

func (s *SQLite) History(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM session_messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) Append(ctx context.Context, sessionID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, m.Role, m.Content, now,
		); err != nil {
			return fmt.Errorf("insert session message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MAX(created_at)
		FROM session_messages
		GROUP BY session_id
		ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			updated string
		)
		if err := rows.Scan(&info.ID, &info.Messages, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}
