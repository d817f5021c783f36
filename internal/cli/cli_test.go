package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/audit"
	"github.com/conarylabs/mira-realtime/internal/config"
	"github.com/conarylabs/mira-realtime/internal/db"
	"github.com/conarylabs/mira-realtime/internal/enricher"
)

// syncBuffer is written by client goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// echoBackend answers every chat envelope with a streamed echo. A non-empty
// greeting is pushed as a complete answer to each new socket.
func echoBackend(t *testing.T, greeting string) string {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if greeting != "" {
			_ = c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"chunk","content":%q}`, greeting)))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"complete","mood":"playful"}`))
		}
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type    string `json:"type"`
				Content string `json:"content"`
			}
			if json.Unmarshal(data, &env) != nil || env.Type != "chat" {
				continue
			}
			for _, frame := range []string{
				`{"type":"status","message":"thinking hard"}`,
				`{"type":"chunk","content":"echo: "}`,
				fmt.Sprintf(`{"type":"chunk","content":%q}`, env.Content),
				`{"type":"complete","mood":"playful"}`,
			} {
				if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	root := NewRootCommandWithIO(out, out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigEndpoint(t *testing.T) {
	path := writeConfig(t, `
connection:
  origin: https://mira.example.com
  path: /socket
`)
	out, err := execute(t, "config", "endpoint", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "wss://mira.example.com/socket", strings.TrimSpace(out))
}

func TestConfigViewJSON(t *testing.T) {
	path := writeConfig(t, `
queue:
  max_size: 12
`)
	out, err := execute(t, "config", "view", "-o", "json", "--config", path, "--log-level", "debug")
	require.NoError(t, err)

	var settings map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.EqualValues(t, 12, settings["queue"]["max_size"])
	assert.Equal(t, "debug", settings["logging"]["level"])

	_, err = execute(t, "config", "view", "-o", "toml", "--config", path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, "queue:\n  policy: reject\n")
	out, err := execute(t, "config", "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := writeConfig(t, "queue:\n  policy: unbounded\n")
	_, err = execute(t, "config", "validate", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.policy")

	_, err = execute(t, "config", "validate", "--config", good, "--log-level", "chatty")
	assert.Error(t, err)
}

func TestSendPrintsAnswer(t *testing.T) {
	url := echoBackend(t, "")
	path := writeConfig(t, fmt.Sprintf(`
connection:
  url: %s
  initial_delay_ms: 1
logging:
  level: error
  file: %s
`, url, filepath.Join(t.TempDir(), "mira.log")))

	out, err := execute(t, "send", "--config", path, "--timeout", "5s", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello there\n", out)
}

func TestSendStreams(t *testing.T) {
	url := echoBackend(t, "")
	path := writeConfig(t, fmt.Sprintf("connection:\n  url: %s\n  initial_delay_ms: 1\nlogging:\n  level: error\n  file: %s\n",
		url, filepath.Join(t.TempDir(), "mira.log")))

	out, err := execute(t, "send", "--config", path, "--stream", "--timeout", "5s", "abc")
	require.NoError(t, err)
	assert.Equal(t, "echo: abc\n", out)
}

func TestSendTimesOutWithoutBackend(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`
connection:
  url: ws://127.0.0.1:1/ws/chat
  initial_delay_ms: 1
  base_delay_ms: 10
  max_delay_ms: 20
logging:
  level: error
  file: %s
`, filepath.Join(t.TempDir(), "mira.log")))

	_, err := execute(t, "send", "--config", path, "--timeout", "200ms", "anyone?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no answer within 200ms")
}

func TestRunPrintsAndPersistsAnswers(t *testing.T) {
	url := echoBackend(t, "welcome back")
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "transcript.db")
	path := writeConfig(t, fmt.Sprintf(`
connection:
  url: %s
  initial_delay_ms: 1
chat:
  session_id: run-session
server:
  enabled: false
transcript:
  enabled: true
  sqlite_path: %s
logging:
  level: error
  file: %s
audit:
  enabled: true
  path: %s
`, url, dbPath, filepath.Join(dir, "mira.log"), filepath.Join(dir, "audit.log")))

	out := &syncBuffer{}
	a := &app{configPath: path, stdout: out, stderr: out}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx, true) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "welcome back")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	store, err := db.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	msgs, err := db.NewTranscript(store, "").Load(context.Background(), "run-session", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "welcome back", msgs[0].Content)
	assert.Equal(t, "playful", msgs[0].Mood)

	audits, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audits), string(audit.EventClientStarted))
	assert.Contains(t, string(audits), string(audit.EventClientShutdown))
}

func TestChangedSections(t *testing.T) {
	a := config.DefaultConfig()
	b := config.DefaultConfig()
	assert.Empty(t, changedSections(a, b))

	b.Logging.Level = "debug"
	b.Queue.MaxSize = 9
	assert.Equal(t, []string{"logging", "queue"}, changedSections(a, b))
}

func TestApplyReload(t *testing.T) {
	current := config.DefaultConfig()
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := zap.NewNop()

	next := config.DefaultConfig()
	next.Logging.Level = "debug"
	got := applyReload(context.Background(), current, next, level, logger, audit.NewNopLogger())
	assert.Same(t, next, got)
	assert.Equal(t, zap.DebugLevel, level.Level())

	invalid := config.DefaultConfig()
	invalid.Queue.Policy = "unbounded"
	got = applyReload(context.Background(), next, invalid, level, logger, audit.NewNopLogger())
	assert.Same(t, next, got, "invalid reloads are ignored")
}

func TestNewClientWiresTranscript(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Connection.URL = "ws://127.0.0.1:1/ws/chat"
	cfg.Chat.SessionID = "wired"
	cfg.Transcript.Enabled = true
	cfg.Transcript.SQLitePath = filepath.Join(t.TempDir(), "t.db")

	store, err := openTranscript(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	c, err := newClient(cfg, store, zap.NewNop(), nil)
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = c.SendChat("persist me", enricher.ProjectContext{})
	require.NoError(t, err)

	msgs, err := db.NewTranscript(store, "").Load(context.Background(), "wired", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persist me", msgs[0].Content)

	cfg.Transcript.Enabled = false
	store, err = openTranscript(cfg)
	require.NoError(t, err)
	assert.Nil(t, store)
}
