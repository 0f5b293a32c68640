package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteArchiver persists event frames to a local SQLite database.
type SQLiteArchiver struct {
	db *sql.DB
}

// NewSQLiteArchiver opens (or creates) the database at path and prepares
// the schema. An empty path uses an in-memory database.
func NewSQLiteArchiver(path string) (*SQLiteArchiver, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	// Single writer; the broker serializes appends per session anyway.
	db.SetMaxOpenConns(1)

	a := &SQLiteArchiver{db: db}
	if err := a.init(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteArchiver) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			session    TEXT NOT NULL,
			seq        INTEGER,
			type       TEXT NOT NULL,
			sender     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			frame      BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session)`,
		`CREATE TABLE IF NOT EXISTS session_ends (
			session     TEXT PRIMARY KEY,
			final_state TEXT NOT NULL,
			ended_at    TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return fmt.Errorf("init archive schema: %w", err)
		}
	}
	return nil
}

// Append writes one encoded event frame.
func (a *SQLiteArchiver) Append(ctx context.Context, env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, session, seq, type, sender, created_at, frame) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Session, env.Seq, string(env.Type), env.Sender, env.Timestamp.UTC().Format(time.RFC3339Nano), frame)
	if err != nil {
		return fmt.Errorf("archive append: %w", err)
	}
	return nil
}

// End records a session's terminal disposition.
func (a *SQLiteArchiver) End(ctx context.Context, sessionID string, state protocol.FinalState) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_ends (session, final_state, ended_at) VALUES (?, ?, ?)`,
		sessionID, string(state), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("archive end: %w", err)
	}
	return nil
}

// Events replays the archived frames for a session in append order.
func (a *SQLiteArchiver) Events(ctx context.Context, sessionID string) ([]*protocol.Envelope, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT frame FROM events WHERE session = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Envelope
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return nil, fmt.Errorf("archive scan: %w", err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			return nil, fmt.Errorf("archive decode: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (a *SQLiteArchiver) Close() error {
	return a.db.Close()
}
