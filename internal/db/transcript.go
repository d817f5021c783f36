package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conarylabs/mira-realtime/internal/protocol"
	"github.com/conarylabs/mira-realtime/internal/stream"
)

// messageMetadata is the JSON stored in messages.metadata.
type messageMetadata struct {
	Salience    *float64              `json:"salience,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	ToolResults []protocol.ToolResult `json:"tool_results,omitempty"`
	Citations   []protocol.Citation   `json:"citations,omitempty"`
}

// Transcript adapts a Store to the assembler's TranscriptStore.
type Transcript struct {
	store     Store
	projectID string
}

// NewTranscript wraps store. projectID is recorded on sessions it creates.
func NewTranscript(store Store, projectID string) *Transcript {
	return &Transcript{store: store, projectID: projectID}
}

// SaveMessage persists a finished message, creating its session on first use.
func (t *Transcript) SaveMessage(ctx context.Context, sessionID string, msg stream.Message) error {
	now := time.Now()
	if err := t.store.SaveSession(ctx, &SessionRecord{
		ID:        sessionID,
		ProjectID: t.projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}

	meta, err := json.Marshal(messageMetadata{
		Salience:    msg.Salience,
		Tags:        msg.Tags,
		ToolResults: msg.ToolResults,
		Citations:   msg.Citations,
	})
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	finalized := now
	if msg.FinalizedAt != nil {
		finalized = *msg.FinalizedAt
	}
	rec := &MessageRecord{
		ID:          msg.ID,
		SessionID:   sessionID,
		Role:        string(msg.Role),
		Content:     msg.Content,
		StreamID:    msg.StreamID,
		Mood:        msg.Mood,
		Interrupted: msg.Interrupted,
		Metadata:    string(meta),
		CreatedAt:   msg.CreatedAt,
		FinalizedAt: finalized,
	}
	if err := t.store.SaveMessage(ctx, rec); err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteMessage removes a message that was saved but never sent.
func (t *Transcript) DeleteMessage(ctx context.Context, sessionID, id string) error {
	if err := t.store.DeleteMessage(ctx, sessionID, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// Load returns up to limit stored messages of a session, oldest first.
func (t *Transcript) Load(ctx context.Context, sessionID string, limit int) ([]stream.Message, error) {
	records, err := t.store.GetMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", sessionID, err)
	}

	out := make([]stream.Message, 0, len(records))
	for _, rec := range records {
		var meta messageMetadata
		if rec.Metadata != "" {
			if err := json.Unmarshal([]byte(rec.Metadata), &meta); err != nil {
				return nil, fmt.Errorf("decode metadata of message %s: %w", rec.ID, err)
			}
		}
		finalized := rec.FinalizedAt
		out = append(out, stream.Message{
			ID:          rec.ID,
			Role:        stream.Role(rec.Role),
			Content:     rec.Content,
			Interrupted: rec.Interrupted,
			StreamID:    rec.StreamID,
			Mood:        rec.Mood,
			Salience:    meta.Salience,
			Tags:        meta.Tags,
			ToolResults: meta.ToolResults,
			Citations:   meta.Citations,
			CreatedAt:   rec.CreatedAt,
			FinalizedAt: &finalized,
		})
	}
	return out, nil
}
