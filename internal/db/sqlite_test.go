package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira-realtime/internal/protocol"
	"github.com/conarylabs/mira-realtime/internal/stream"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

func TestSessionUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour).Round(time.Second)
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{
		ID: "sess-1", ProjectID: "p1", CreatedAt: created, UpdatedAt: created,
	}))

	later := created.Add(30 * time.Minute)
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{
		ID: "sess-1", ProjectID: "", CreatedAt: later, UpdatedAt: later,
	}))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID, "empty project id does not overwrite")
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.UpdatedAt.Equal(later))
}

func TestListAndDeleteSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Round(time.Second)
	for i, id := range []string{"a", "b", "c"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveSession(ctx, &SessionRecord{ID: id, CreatedAt: ts, UpdatedAt: ts}))
	}

	list, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	require.NoError(t, s.SaveMessage(ctx, &MessageRecord{
		ID: "m1", SessionID: "c", Role: "user", Content: "hi", CreatedAt: base, FinalizedAt: base,
	}))
	require.NoError(t, s.DeleteSession(ctx, "c"))

	_, err = s.GetSession(ctx, "c")
	assert.Error(t, err)
	msgs, err := s.GetMessages(ctx, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages cascade with their session")
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func TestMessagesOrderedAndUpserted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ID: "sess", CreatedAt: base, UpdatedAt: base}))

	require.NoError(t, s.SaveMessage(ctx, &MessageRecord{
		ID: "m2", SessionID: "sess", Role: "assistant", Content: "partial",
		CreatedAt: base.Add(time.Millisecond), FinalizedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.SaveMessage(ctx, &MessageRecord{
		ID: "m1", SessionID: "sess", Role: "user", Content: "question",
		CreatedAt: base, FinalizedAt: base,
	}))
	require.NoError(t, s.SaveMessage(ctx, &MessageRecord{
		ID: "m2", SessionID: "sess", Role: "assistant", Content: "full answer", Interrupted: true,
		CreatedAt: base.Add(time.Millisecond), FinalizedAt: base.Add(2 * time.Second),
	}))

	msgs, err := s.GetMessages(ctx, "sess", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "{}", msgs[0].Metadata)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "full answer", msgs[1].Content)
	assert.True(t, msgs[1].Interrupted)
}

func TestMessageRequiresSession(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveMessage(context.Background(), &MessageRecord{
		ID: "orphan", SessionID: "missing", Role: "user", Content: "x",
		CreatedAt: time.Now(), FinalizedAt: time.Now(),
	})
	assert.Error(t, err)
}

// ─── Transcript ───────────────────────────────────────────────────────────────

func TestTranscriptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tr := NewTranscript(s, "proj-1")
	ctx := context.Background()

	salience := 0.7
	finalized := time.Now()
	assistant := stream.Message{
		ID:          "a1",
		Role:        stream.RoleAssistant,
		Content:     "Hello",
		StreamID:    "s1",
		Mood:        "curious",
		Salience:    &salience,
		Tags:        []string{"greeting"},
		ToolResults: []protocol.ToolResult{{ToolType: "git_status", Data: json.RawMessage(`{"clean":true}`)}},
		Citations:   []protocol.Citation{{FileID: "f1", Filename: "README.md"}},
		CreatedAt:   finalized.Add(-time.Second),
		FinalizedAt: &finalized,
	}
	user := stream.Message{ID: "u1", Role: stream.RoleUser, Content: "hi", CreatedAt: finalized.Add(-2 * time.Second)}

	require.NoError(t, tr.SaveMessage(ctx, "sess-9", user))
	require.NoError(t, tr.SaveMessage(ctx, "sess-9", assistant))

	sess, err := s.GetSession(ctx, "sess-9")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", sess.ProjectID)

	loaded, err := tr.Load(ctx, "sess-9", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, "u1", loaded[0].ID)
	assert.Equal(t, stream.RoleUser, loaded[0].Role)
	assert.NotNil(t, loaded[0].FinalizedAt)

	got := loaded[1]
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, "s1", got.StreamID)
	assert.Equal(t, "curious", got.Mood)
	require.NotNil(t, got.Salience)
	assert.Equal(t, 0.7, *got.Salience)
	assert.Equal(t, []string{"greeting"}, got.Tags)
	require.Len(t, got.ToolResults, 1)
	assert.JSONEq(t, `{"clean":true}`, string(got.ToolResults[0].Data))
	assert.Equal(t, []protocol.Citation{{FileID: "f1", Filename: "README.md"}}, got.Citations)
	assert.False(t, got.IsStreaming)

	require.NoError(t, tr.DeleteMessage(ctx, "sess-9", "u1"))
	require.NoError(t, tr.DeleteMessage(ctx, "sess-9", "u1"))
	require.NoError(t, tr.DeleteMessage(ctx, "other-session", "a1"))
	loaded, err = tr.Load(ctx, "sess-9", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a1", loaded[0].ID)
}

func TestTranscriptAsAssemblerStore(t *testing.T) {
	s := newTestStore(t)
	tr := NewTranscript(s, "")

	a := stream.NewAssembler(stream.Options{Store: tr, SessionID: "live"}, nil)
	defer a.Close()

	_, err := a.AddUserMessage("ping")
	require.NoError(t, err)
	a.Handle(protocol.Frame{Type: protocol.FrameChunk, Content: "po"})
	a.Handle(protocol.Frame{Type: protocol.FrameChunk, Content: "ng"})
	a.Handle(protocol.Frame{Type: protocol.FrameDone})

	loaded, err := tr.Load(context.Background(), "live", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "ping", loaded[0].Content)
	assert.Equal(t, "pong", loaded[1].Content)
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{
		"2026-01-02T03:04:05Z",
		"2026-01-02T03:04:05.123456789Z",
		"2026-01-02 03:04:05",
	} {
		_, err := parseTime(in)
		assert.NoError(t, err, in)
	}
	_, err := parseTime("yesterday")
	assert.Error(t, err)
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ID: "keep", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	// Migrations are skipped the second time and data survives.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSession(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", got.ID)
}
