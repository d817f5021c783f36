package db

import (
	"context"
	"time"
)

// Store is the persistence interface for chat transcripts.
type Store interface {
	SessionStore
	MessageStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

// SessionRecord is one chat session, identified by the session_id sent in
// every chat envelope.
type SessionRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists chat sessions.
type SessionStore interface {
	// SaveSession creates a session or bumps its updated_at.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns sessions ordered by most recent activity.
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	// DeleteSession removes a session and all its messages.
	DeleteSession(ctx context.Context, id string) error
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// MessageRecord is a finished message of a session.
type MessageRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"` // user | assistant
	Content     string    `json:"content"`
	StreamID    string    `json:"stream_id"`
	Mood        string    `json:"mood"`
	Interrupted bool      `json:"interrupted"`
	Metadata    string    `json:"metadata"` // JSON blob: tool results, citations, salience, tags
	CreatedAt   time.Time `json:"created_at"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// MessageStore persists transcript messages.
type MessageStore interface {
	// SaveMessage inserts a message, replacing an earlier row with the same ID.
	SaveMessage(ctx context.Context, rec *MessageRecord) error

	// GetMessages returns up to limit messages of a session, oldest first.
	GetMessages(ctx context.Context, sessionID string, limit int) ([]*MessageRecord, error)

	// DeleteMessage removes one message of a session. Missing rows are not an error.
	DeleteMessage(ctx context.Context, sessionID, id string) error
}
