package stream

import (
	"context"
	"time"

	"github.com/conarylabs/mira-realtime/internal/protocol"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history. An assistant message is built up
// from chunk frames while IsStreaming is true.
type Message struct {
	ID          string                `json:"id"`
	Role        Role                  `json:"role"`
	Content     string                `json:"content"`
	IsStreaming bool                  `json:"is_streaming"`
	Interrupted bool                  `json:"interrupted,omitempty"`
	StreamID    string                `json:"stream_id,omitempty"`
	Mood        string                `json:"mood,omitempty"`
	Salience    *float64              `json:"salience,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	ToolResults []protocol.ToolResult `json:"tool_results,omitempty"`
	Citations   []protocol.Citation   `json:"citations,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	FinalizedAt *time.Time            `json:"finalized_at,omitempty"`
}

func (m *Message) clone() Message {
	c := *m
	if m.Salience != nil {
		v := *m.Salience
		c.Salience = &v
	}
	if m.FinalizedAt != nil {
		v := *m.FinalizedAt
		c.FinalizedAt = &v
	}
	c.Tags = append([]string(nil), m.Tags...)
	c.ToolResults = append([]protocol.ToolResult(nil), m.ToolResults...)
	c.Citations = append([]protocol.Citation(nil), m.Citations...)
	return c
}

// ChangeKind names what an assembler change notification is about.
type ChangeKind string

const (
	ChangeMessageStarted     ChangeKind = "message_started"
	ChangeMessageDelta       ChangeKind = "message_delta"
	ChangeMessageFinalized   ChangeKind = "message_finalized"
	ChangeMessageInterrupted ChangeKind = "message_interrupted"
	ChangeMessageRetracted   ChangeKind = "message_retracted"
	ChangeStatus             ChangeKind = "status"
	ChangeError              ChangeKind = "error"
	ChangeThinking           ChangeKind = "thinking"
)

// Change is delivered to OnChange listeners after the assembler state moved.
// Message is set for message kinds; Delta carries the appended text for
// message_delta; Text is the status or error string (empty once cleared).
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Message  *Message   `json:"message,omitempty"`
	Delta    string     `json:"delta,omitempty"`
	Text     string     `json:"text,omitempty"`
	Thinking bool       `json:"thinking,omitempty"`
}

// TranscriptStore persists finished messages.
type TranscriptStore interface {
	SaveMessage(ctx context.Context, sessionID string, msg Message) error
	DeleteMessage(ctx context.Context, sessionID, id string) error
}
