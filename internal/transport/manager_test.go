package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/config"
	"github.com/conarylabs/mira-realtime/internal/metrics"
	"github.com/conarylabs/mira-realtime/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 3 * time.Second

// chatServer is a minimal backend: it accepts sockets, records what clients
// send and hands each server-side conn to the test.
type chatServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	received chan string
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan string, 256),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
		go func() {
			defer c.Close()
			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					return
				}
				s.received <- string(data)
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/chat"
}

func (s *chatServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func (s *chatServer) expectMessages(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-s.received:
			assert.JSONEq(t, w, got)
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func (s *chatServer) expectNoConnection(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-s.conns:
		t.Fatal("unexpected reconnect")
	case <-time.After(d):
	}
}

func closeWith(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	msg := websocket.FormatCloseMessage(code, "bye")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *frameRecorder) Dispatch(f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) types() []protocol.FrameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.FrameType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

type closeEvent struct {
	code   int
	reason string
}

type closeRecorder struct {
	mu     sync.Mutex
	events []closeEvent
}

func (r *closeRecorder) handle(code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, closeEvent{code, reason})
}

func (r *closeRecorder) codes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.events))
	for i, e := range r.events {
		out[i] = e.code
	}
	return out
}

func fastOptions(url string) Options {
	return Options{
		URL:          url,
		InitialDelay: 10 * time.Millisecond,
		Reconnect: ReconnectPolicy{
			BaseDelay: 20 * time.Millisecond,
			MaxDelay:  100 * time.Millisecond,
			Decay:     1.5,
		},
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		MaxQueue:         8,
		QueuePolicy:      PolicyDropOldest,
	}
}

func newTestManager(t *testing.T, opts Options, handler FrameHandler) *Manager {
	t.Helper()
	m, err := NewManager(opts, handler, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func chat(content string) protocol.ChatEnvelope {
	return protocol.ChatEnvelope{
		Type:     protocol.EnvelopeChat,
		Content:  content,
		Metadata: protocol.ChatMetadata{SessionID: "s-1"},
	}
}

func chatJSON(content string) string {
	return `{"type":"chat","content":"` + content + `","project_id":null,"metadata":{"session_id":"s-1"}}`
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Options{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewManager(Options{URL: "ws://x", QueuePolicy: "block"}, nil, nil, nil)
	assert.Error(t, err)

	m, err := NewManager(Options{URL: "ws://x"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, m.GetState())
	assert.Equal(t, 256, m.opts.MaxQueue)
	assert.Equal(t, DefaultReconnectPolicy(), m.opts.Reconnect)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Policy = "reject"
	cfg.Chat.SessionID = "abc"

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3001/ws/chat", opts.URL)
	assert.Equal(t, 100*time.Millisecond, opts.InitialDelay)
	assert.Equal(t, DefaultReconnectPolicy(), opts.Reconnect)
	assert.Equal(t, 256, opts.MaxQueue)
	assert.Equal(t, PolicyReject, opts.QueuePolicy)
	assert.Equal(t, "abc", opts.SessionID)

	_, err = OptionsFromConfig(nil)
	assert.Error(t, err)
}

func TestManagerFlushesQueueInOrderOnce(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	// Hold the manager offline so the sends queue up.
	m.Disconnect()
	require.NoError(t, m.Send(chat("A")))
	require.NoError(t, m.Send(chat("B")))
	require.NoError(t, m.Send(chat("C")))
	assert.Equal(t, 3, m.QueueLen())
	srv.expectNoConnection(t, 50*time.Millisecond)

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)
	assert.Equal(t, StateConnected, m.GetState())
	assert.Equal(t, 0, m.QueueLen())

	require.NoError(t, m.Send(chat("D")))
	srv.expectMessages(t, chatJSON("A"), chatJSON("B"), chatJSON("C"), chatJSON("D"))

	select {
	case extra := <-srv.received:
		t.Fatalf("unexpected duplicate delivery: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerSendTriggersConnect(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	require.NoError(t, m.Send(chat("hello")))
	srv.accept(t)
	srv.expectMessages(t, chatJSON("hello"))
	assert.Eventually(t, m.IsConnected, waitFor, 5*time.Millisecond)
}

func TestManagerConnectIsNoopWhenConnected(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)
	require.NoError(t, m.Connect(context.Background()))
	srv.expectNoConnection(t, 50*time.Millisecond)
}

func TestManagerNoReconnectOnCleanClose(t *testing.T) {
	for _, code := range []int{websocket.CloseNormalClosure, websocket.CloseGoingAway} {
		code := code
		t.Run(fmt.Sprintf("code_%d", code), func(t *testing.T) {
			srv := newChatServer(t)
			closes := &closeRecorder{}
			m := newTestManager(t, fastOptions(srv.wsURL()), nil)
			m.SetDisconnectHandler(closes.handle)

			require.NoError(t, m.Connect(context.Background()))
			closeWith(t, srv.accept(t), code)

			require.Eventually(t, func() bool { return len(closes.codes()) == 1 }, waitFor, 5*time.Millisecond)
			assert.Equal(t, []int{code}, closes.codes())
			assert.Equal(t, StateDisconnected, m.GetState())
			assert.Equal(t, false, m.GetStats()["retry_pending"])
			srv.expectNoConnection(t, 150*time.Millisecond)
		})
	}
}

func TestManagerReconnectsOnAbnormalClose(t *testing.T) {
	srv := newChatServer(t)
	closes := &closeRecorder{}
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)
	m.SetDisconnectHandler(closes.handle)

	require.NoError(t, m.Connect(context.Background()))
	first := srv.accept(t)

	// Drop the TCP connection without a close frame.
	require.NoError(t, first.UnderlyingConn().Close())

	srv.accept(t)
	require.Eventually(t, m.IsConnected, waitFor, 5*time.Millisecond)
	assert.Equal(t, []int{websocket.CloseAbnormalClosure}, closes.codes())

	stats := m.GetStats()
	assert.Equal(t, 0, stats["attempts"], "attempts reset after a successful open")
	assert.Equal(t, int64(1), stats["reconnect_count"])
}

func TestManagerReconnectsOnApplicationCloseCode(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	require.NoError(t, m.Connect(context.Background()))
	closeWith(t, srv.accept(t), 4000)

	srv.accept(t)
	require.Eventually(t, m.IsConnected, waitFor, 5*time.Millisecond)
	assert.Equal(t, 4000, m.GetStats()["last_close_code"])
}

func TestManagerManualDisconnect(t *testing.T) {
	srv := newChatServer(t)
	closes := &closeRecorder{}
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)
	m.SetDisconnectHandler(closes.handle)

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.GetState())
	assert.Equal(t, []int{websocket.CloseNormalClosure}, closes.codes())

	// Sends are queued but do not restart the retry loop.
	require.NoError(t, m.Send(chat("later")))
	assert.Equal(t, 1, m.QueueLen())
	srv.expectNoConnection(t, 150*time.Millisecond)

	// An explicit Connect resumes and flushes.
	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)
	srv.expectMessages(t, chatJSON("later"))
}

func TestManagerDisconnectAbandonsQueue(t *testing.T) {
	m := newTestManager(t, fastOptions("ws://127.0.0.1:1/ws/chat"), nil)

	m.Disconnect()
	require.NoError(t, m.Send(chat("A")))
	require.NoError(t, m.Send(chat("B")))
	assert.Equal(t, 2, m.QueueLen())

	m.Disconnect()
	assert.Equal(t, 0, m.QueueLen())
}

func TestManagerDialFailureSchedulesRetry(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	opts := fastOptions(url)
	opts.Reconnect.BaseDelay = time.Hour
	opts.Reconnect.MaxDelay = time.Hour
	m := newTestManager(t, opts, nil)

	var errs []error
	var mu sync.Mutex
	m.SetErrorHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})
	closes := &closeRecorder{}
	m.SetDisconnectHandler(closes.handle)

	err := m.Connect(context.Background())
	require.Error(t, err)

	mu.Lock()
	assert.Len(t, errs, 1)
	mu.Unlock()
	assert.Equal(t, []int{websocket.CloseAbnormalClosure}, closes.codes())
	assert.Equal(t, StateDisconnected, m.GetState())

	stats := m.GetStats()
	assert.Equal(t, true, stats["retry_pending"])
	assert.Equal(t, 1, stats["attempts"])

	// A pending retry counts as attempting to connect.
	require.NoError(t, m.Send(chat("x")))
	assert.Equal(t, 1, m.QueueLen())

	m.Disconnect()
	assert.Equal(t, false, m.GetStats()["retry_pending"])
}

func TestManagerDispatchesFramesInOrder(t *testing.T) {
	srv := newChatServer(t)
	rec := &frameRecorder{}
	m := newTestManager(t, fastOptions(srv.wsURL()), rec)

	require.NoError(t, m.Connect(context.Background()))
	c := srv.accept(t)

	for _, raw := range []string{
		`{"type":"heartbeat"}`,
		`{"type":"chunk","content":"Hel"}`,
		`{not json`,
		`{"type":"ping"}`,
		`{"type":"chunk","content":"lo"}`,
		`{"type":"data","data":{"projects":[]}}`,
		`{"type":"complete"}`,
	} {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(raw)))
	}

	want := []protocol.FrameType{protocol.FrameChunk, protocol.FrameChunk, protocol.FrameData, protocol.FrameComplete}
	require.Eventually(t, func() bool { return len(rec.types()) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, rec.types())
	assert.True(t, m.IsConnected(), "malformed frames do not affect the connection")
}

func TestManagerQueueBackpressure(t *testing.T) {
	srv := newChatServer(t)
	opts := fastOptions(srv.wsURL())
	opts.MaxQueue = 2
	m := newTestManager(t, opts, nil)

	var sizes, drops []int
	m.SetBackpressureHandler(func(queueSize, dropped int) {
		sizes = append(sizes, queueSize)
		drops = append(drops, dropped)
	})

	m.Disconnect()
	for _, s := range []string{"A", "B", "C"} {
		require.NoError(t, m.Send(chat(s)))
	}
	assert.Equal(t, []int{2}, sizes)
	assert.Equal(t, []int{1}, drops)
	assert.Equal(t, int64(1), m.GetStats()["dropped_envelopes"])

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)
	srv.expectMessages(t, chatJSON("B"), chatJSON("C"))
}

func TestManagerQueueReject(t *testing.T) {
	opts := fastOptions("ws://127.0.0.1:1/ws/chat")
	opts.MaxQueue = 1
	opts.QueuePolicy = PolicyReject
	m := newTestManager(t, opts, nil)

	m.Disconnect()
	require.NoError(t, m.Send(chat("A")))
	err := m.Send(chat("B"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 1, m.QueueLen())
}

func TestManagerStartDefersFirstConnect(t *testing.T) {
	srv := newChatServer(t)
	opts := fastOptions(srv.wsURL())
	opts.InitialDelay = 30 * time.Millisecond
	m := newTestManager(t, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	assert.Equal(t, StateDisconnected, m.GetState())

	srv.accept(t)
	require.Eventually(t, m.IsConnected, waitFor, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return m.GetState() == StateDisconnected }, waitFor, 5*time.Millisecond)
	srv.expectNoConnection(t, 100*time.Millisecond)
}

func TestManagerRestartReplacesLifecycle(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()

	m.Start(first)
	m.Start(second)
	srv.accept(t)
	require.Eventually(t, m.IsConnected, waitFor, 5*time.Millisecond)

	cancelFirst()
	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.IsConnected(), "the replaced lifecycle no longer disconnects")

	cancelSecond()
	require.Eventually(t, func() bool { return m.GetState() == StateDisconnected }, waitFor, 5*time.Millisecond)
}

func TestManagerOutboundFrameLabelsAreBounded(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)

	other := metrics.FramesTotal.WithLabelValues("outbound", "other")
	before := testutil.ToFloat64(other)
	require.NoError(t, m.SendRaw([]byte(`{"type":"client-request-7f3a"}`)))
	srv.expectMessages(t, `{"type":"client-request-7f3a"}`)
	assert.Equal(t, before+1, testutil.ToFloat64(other))
}

func TestManagerStateChanges(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)
	m.Disconnect()

	var got []ConnectionState
	for len(got) < 3 {
		select {
		case s := <-m.StateChanges():
			got = append(got, s)
		case <-time.After(waitFor):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, got)
}

func TestManagerShutdown(t *testing.T) {
	srv := newChatServer(t)
	m := newTestManager(t, fastOptions(srv.wsURL()), nil)

	require.NoError(t, m.Connect(context.Background()))
	srv.accept(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, errors.Is(m.Send(chat("x")), ErrClosed))
	assert.True(t, errors.Is(m.Connect(context.Background()), ErrClosed))
}
