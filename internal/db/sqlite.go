package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role          TEXT NOT NULL,
    content       TEXT NOT NULL,
    stream_id     TEXT NOT NULL DEFAULT '',
    mood          TEXT NOT NULL DEFAULT '',
    interrupted   INTEGER NOT NULL DEFAULT 0,
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    DATETIME NOT NULL,
    finalized_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at ASC);
`,
	},
}

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the transcript database at path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (Store, error) {
	dsn := path
	if path != ":memory:" {
		// Applied on every pooled connection, not just the first.
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Each pooled connection to ":memory:" would get its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Sessions ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions(id, project_id, created_at, updated_at)
        VALUES(?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            project_id = CASE WHEN excluded.project_id = '' THEN sessions.project_id ELSE excluded.project_id END,
            updated_at = excluded.updated_at
    `,
		rec.ID, rec.ProjectID, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,project_id,created_at,updated_at FROM sessions WHERE id=?`, id)
	rec := &SessionRecord{}
	var ca, ua string
	if err := row.Scan(&rec.ID, &rec.ProjectID, &ca, &ua); err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(ca)
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,project_id,created_at,updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		var ca, ua string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &ca, &ua); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ca)
		rec.UpdatedAt, _ = parseTime(ua)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	metadata := rec.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO messages(id, session_id, role, content, stream_id, mood, interrupted, metadata, created_at, finalized_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            content      = excluded.content,
            mood         = excluded.mood,
            interrupted  = excluded.interrupted,
            metadata     = excluded.metadata,
            finalized_at = excluded.finalized_at
    `,
		rec.ID, rec.SessionID, rec.Role, rec.Content, rec.StreamID, rec.Mood, rec.Interrupted, metadata,
		formatTime(rec.CreatedAt), formatTime(rec.FinalizedAt),
	)
	return err
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, sessionID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id=? AND id=?`, sessionID, id)
	return err
}

func (s *sqliteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,session_id,role,content,stream_id,mood,interrupted,metadata,created_at,finalized_at
         FROM messages WHERE session_id=? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*MessageRecord
	for rows.Next() {
		msg := &MessageRecord{}
		var ca, fa string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.StreamID, &msg.Mood,
			&msg.Interrupted, &msg.Metadata, &ca, &fa); err != nil {
			return nil, err
		}
		msg.CreatedAt, _ = parseTime(ca)
		msg.FinalizedAt, _ = parseTime(fa)
		result = append(result, msg)
	}
	return result, rows.Err()
}

// formatTime stores timestamps as sortable RFC3339 text with fixed-width nanoseconds.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
