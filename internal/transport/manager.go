// Package transport owns the chat socket: connect, reconnect with backoff,
// outbound queueing while disconnected and inbound frame delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/audit"
	"github.com/conarylabs/mira-realtime/internal/config"
	"github.com/conarylabs/mira-realtime/internal/metrics"
	"github.com/conarylabs/mira-realtime/internal/protocol"
)

// ConnectionState represents the state of the chat socket
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateError        ConnectionState = "ERROR"
)

var allStates = []ConnectionState{StateConnecting, StateConnected, StateDisconnected, StateError}

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = errors.New("connection manager closed")

const closeWriteWait = time.Second

// FrameHandler receives every decoded, non-heartbeat inbound frame in arrival order.
type FrameHandler interface {
	Dispatch(frame protocol.Frame)
}

// Options configures a Manager.
type Options struct {
	URL              string
	InitialDelay     time.Duration
	Reconnect        ReconnectPolicy
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxQueue         int
	QueuePolicy      QueuePolicy
	SessionID        string
}

// OptionsFromConfig resolves the endpoint and converts millisecond settings.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("config is required")
	}
	endpoint, err := cfg.EndpointURL()
	if err != nil {
		return Options{}, err
	}
	policy, err := ParseQueuePolicy(cfg.Queue.Policy)
	if err != nil {
		return Options{}, err
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return Options{
		URL:          endpoint,
		InitialDelay: ms(cfg.Connection.InitialDelayMs),
		Reconnect: ReconnectPolicy{
			BaseDelay: ms(cfg.Connection.BaseDelayMs),
			MaxDelay:  ms(cfg.Connection.MaxDelayMs),
			Decay:     cfg.Connection.Decay,
		},
		HandshakeTimeout: ms(cfg.Connection.HandshakeTimeoutMs),
		WriteTimeout:     ms(cfg.Connection.WriteTimeoutMs),
		MaxQueue:         cfg.Queue.MaxSize,
		QueuePolicy:      policy,
		SessionID:        cfg.Chat.SessionID,
	}, nil
}

// Manager maintains at most one live socket to a fixed endpoint. Send never
// fails for "not connected": envelopes are queued and flushed in order on the
// next successful open.
type Manager struct {
	opts     Options
	handler  FrameHandler
	logger   *zap.Logger
	auditLog audit.Logger
	dialer   *websocket.Dialer

	mu          sync.Mutex
	state       ConnectionState
	conn        *websocket.Conn
	attempts    int
	manual      bool // set by Disconnect, cleared by Connect/Start
	closed      bool // set by Shutdown, permanent
	retryTimer  *time.Timer
	queue       *outboundQueue
	lifecycle   context.Context
	stopWatch   func() bool // unregisters the Disconnect bound by Start
	connectedAt time.Time
	lastFrameAt time.Time
	lastClose   int

	reconnectCount int64
	framesIn       int64
	framesOut      int64
	dropped        int64

	stateChan           chan ConnectionState
	disconnectHandler   func(code int, reason string)
	errorHandler        func(err error)
	backpressureHandler func(queueSize int, droppedCount int)

	readers sync.WaitGroup
}

// NewManager creates a disconnected manager. Nothing is dialed until Start,
// Connect or Send.
func NewManager(opts Options, handler FrameHandler, logger *zap.Logger, auditLog audit.Logger) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("endpoint url is required")
	}
	if opts.QueuePolicy == "" {
		opts.QueuePolicy = PolicyDropOldest
	}
	if _, err := ParseQueuePolicy(string(opts.QueuePolicy)); err != nil {
		return nil, err
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 256
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	opts.Reconnect = opts.Reconnect.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}

	m := &Manager{
		opts:      opts,
		handler:   handler,
		logger:    logger.With(zap.String("component", "transport")),
		auditLog:  auditLog,
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		state:     StateDisconnected,
		queue:     newOutboundQueue(opts.MaxQueue, opts.QueuePolicy),
		lifecycle: context.Background(),
		stateChan: make(chan ConnectionState, 16),
	}
	publishState(StateDisconnected)
	return m, nil
}

// Start binds the lifecycle context and schedules the first connect after
// InitialDelay. Cancelling ctx disconnects. A later Start replaces the
// lifecycle of an earlier one.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.lifecycle = ctx
	m.manual = false
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(m.opts.InitialDelay, m.retry)

	if m.stopWatch != nil {
		m.stopWatch()
	}
	m.stopWatch = context.AfterFunc(ctx, m.Disconnect)
}

// Connect dials the endpoint unless already connecting or connected. A failed
// dial schedules a retry and is also returned to the caller.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.manual = false
	m.mu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.manual {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.setState(StateConnecting)
	endpoint := m.opts.URL
	m.mu.Unlock()

	correlationID := audit.GenerateCorrelationID()
	ctx = audit.WithCorrelationID(ctx, correlationID)
	m.record(ctx, audit.NewEvent(audit.EventConnectAttempt).
		WithDescription(fmt.Sprintf("Connecting to %s", endpoint)).
		WithResult(audit.ResultPending))

	start := time.Now()
	conn, _, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		m.record(ctx, audit.NewEvent(audit.EventConnectionError).
			WithDescription(fmt.Sprintf("Failed to connect to %s", endpoint)).
			WithError(err, "dial_failed").
			WithDuration(time.Since(start)).
			WithResult(audit.ResultFailure))
		m.logger.Warn("connect failed", zap.String("endpoint", endpoint), zap.Error(err))

		// A dial failure behaves like an error event followed by an abnormal close.
		m.mu.Lock()
		if m.manual || m.closed {
			m.mu.Unlock()
			return fmt.Errorf("dial %s: %w", endpoint, err)
		}
		m.setState(StateError)
		onError := m.errorHandler
		m.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		m.handleClose(ctx, nil, websocket.CloseAbnormalClosure, err.Error())
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	m.mu.Lock()
	if m.manual || m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.attempts = 0
	m.connectedAt = time.Now()
	m.setState(StateConnected)

	// Flush under the lock so nothing sent after the open overtakes the backlog.
	pending := m.queue.drain()
	flushed := 0
	var flushErr error
	for _, data := range pending {
		if flushErr = m.writeLocked(conn, data); flushErr != nil {
			break
		}
		flushed++
	}
	if flushErr != nil {
		m.queue.requeue(pending[flushed:])
		_ = conn.Close()
	}
	depth := m.queue.len()

	m.readers.Add(1)
	go m.readLoop(ctx, conn)
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("success").Inc()
	metrics.QueueDepth.Set(float64(depth))
	m.record(ctx, audit.NewEvent(audit.EventConnected).
		WithDescription(fmt.Sprintf("Connected to %s", endpoint)).
		WithDuration(time.Since(start)).
		WithResult(audit.ResultSuccess))
	m.logger.Info("connected", zap.String("endpoint", endpoint), zap.Int("flushed", flushed))

	if len(pending) > 0 {
		ev := audit.NewEvent(audit.EventQueueFlushed).
			WithMetadata("flushed", flushed).
			WithMetadata("pending", len(pending))
		if flushErr != nil {
			ev = ev.WithError(flushErr, "flush_failed").WithResult(audit.ResultFailure)
		}
		m.record(ctx, ev)
	}
	return nil
}

// Send encodes envelope and transmits it, or queues it while not connected.
// The only errors are encoding failures, ErrQueueFull under the reject policy
// and ErrClosed.
func (m *Manager) Send(envelope interface{}) error {
	data, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}
	return m.SendRaw(data)
}

// SendRaw transmits an already encoded envelope.
func (m *Manager) SendRaw(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	if m.state == StateConnected && m.conn != nil {
		err := m.writeLocked(m.conn, data)
		if err == nil {
			m.mu.Unlock()
			return nil
		}
		// The read loop sees the broken socket and drives the reconnect.
		m.logger.Warn("write failed, queueing envelope", zap.Error(err))
		_ = m.conn.Close()
	}

	evicted, qerr := m.queue.push(data)
	if evicted {
		m.dropped++
	}
	depth := m.queue.len()
	dropped := m.dropped
	onBackpressure := m.backpressureHandler
	shouldConnect := !m.manual && m.state == StateDisconnected && m.retryTimer == nil &&
		m.lifecycle.Err() == nil
	ctx := m.lifecycle
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if qerr != nil {
		metrics.QueueDropped.WithLabelValues("rejected").Inc()
		m.record(context.Background(), audit.NewEvent(audit.EventEnvelopeRejected).
			WithMetadata("queue_size", depth).
			WithResult(audit.ResultDenied))
		return qerr
	}
	if evicted {
		metrics.QueueDropped.WithLabelValues("overflow").Inc()
		m.record(context.Background(), audit.NewEvent(audit.EventEnvelopeDropped).
			WithDescription("Oldest queued envelope evicted").
			WithMetadata("queue_size", depth).
			WithMetadata("dropped_total", dropped))
		if onBackpressure != nil {
			onBackpressure(depth, int(dropped))
		}
	}
	if shouldConnect {
		go func() { _ = m.connect(ctx) }()
	}
	return nil
}

// Disconnect stops the retry loop, abandons queued envelopes and closes the
// socket with a normal closure.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.manual && m.conn == nil && m.retryTimer == nil && m.queue.len() == 0 {
		m.mu.Unlock()
		return
	}
	m.manual = true
	m.stopRetryLocked()
	abandoned := m.queue.clear()
	conn := m.conn
	m.conn = nil
	m.setState(StateDisconnected)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		_ = conn.Close()
		m.lastClose = websocket.CloseNormalClosure
	}
	onDisconnect := m.disconnectHandler
	m.mu.Unlock()

	metrics.QueueDepth.Set(0)
	if abandoned > 0 {
		metrics.QueueDropped.WithLabelValues("manual_disconnect").Add(float64(abandoned))
	}
	m.record(context.Background(), audit.NewEvent(audit.EventManualDisconnect).
		WithDescription("Disconnected by client").
		WithMetadata("abandoned", abandoned).
		WithResult(audit.ResultSuccess))
	m.logger.Info("disconnected by client", zap.Int("abandoned", abandoned))

	if conn != nil {
		metrics.Disconnects.WithLabelValues(strconv.Itoa(websocket.CloseNormalClosure)).Inc()
		if onDisconnect != nil {
			onDisconnect(websocket.CloseNormalClosure, "client disconnect")
		}
	}
}

// Shutdown disconnects permanently and waits for the read loop to exit.
// It must not be called from a frame handler.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer m.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(ctx, conn, err)
			return
		}
		m.handleMessage(data)
	}
}

func (m *Manager) handleMessage(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		m.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	m.mu.Lock()
	m.framesIn++
	m.lastFrameAt = time.Now()
	m.mu.Unlock()
	metrics.FramesTotal.WithLabelValues("inbound", frameLabel(frame.Type)).Inc()

	if frame.IsHeartbeat() || m.handler == nil {
		return
	}
	m.handler.Dispatch(frame)
}

func (m *Manager) handleReadError(ctx context.Context, conn *websocket.Conn, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		_ = conn.Close()
		m.handleClose(ctx, conn, closeErr.Code, closeErr.Text)
		return
	}

	m.mu.Lock()
	if conn != m.conn {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.setState(StateError)
	onError := m.errorHandler
	m.mu.Unlock()

	m.record(ctx, audit.NewEvent(audit.EventConnectionError).
		WithDescription("Socket read failed").
		WithError(err, "read_failed").
		WithResult(audit.ResultFailure))
	m.logger.Warn("socket error", zap.Error(err))
	if onError != nil {
		onError(err)
	}

	_ = conn.Close()
	m.handleClose(ctx, conn, websocket.CloseAbnormalClosure, err.Error())
}

// handleClose moves to Disconnected and schedules a retry unless the closure
// was normal, going-away or requested. conn is nil for failed dials.
func (m *Manager) handleClose(ctx context.Context, conn *websocket.Conn, code int, reason string) {
	m.mu.Lock()
	if conn != m.conn {
		// A socket the manager already let go of.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastClose = code
	m.setState(StateDisconnected)

	retry := !m.manual && !m.closed && m.lifecycle.Err() == nil &&
		code != websocket.CloseNormalClosure && code != websocket.CloseGoingAway
	var delay time.Duration
	if retry {
		delay = m.scheduleRetryLocked()
	}
	onDisconnect := m.disconnectHandler
	m.mu.Unlock()

	metrics.Disconnects.WithLabelValues(strconv.Itoa(code)).Inc()
	ev := audit.NewEvent(audit.EventDisconnected).
		WithDescription(fmt.Sprintf("Socket closed with code %d", code)).
		WithMetadata("code", code)
	if reason != "" {
		ev = ev.WithMetadata("reason", reason)
	}
	m.record(ctx, ev)
	if retry {
		m.record(ctx, audit.NewEvent(audit.EventReconnectScheduled).
			WithDescription(fmt.Sprintf("Reconnect in %v", delay)).
			WithResult(audit.ResultPending))
	}
	m.logger.Info("socket closed",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Bool("retry", retry),
		zap.Duration("delay", delay),
	)

	if onDisconnect != nil {
		onDisconnect(code, reason)
	}
}

func (m *Manager) scheduleRetryLocked() time.Duration {
	delay := m.opts.Reconnect.Delay(m.attempts)
	m.attempts++
	m.reconnectCount++
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, m.retry)

	metrics.ReconnectsScheduled.Inc()
	metrics.ReconnectDelay.Observe(delay.Seconds())
	return delay
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.retryTimer = nil
	if m.manual || m.closed {
		m.mu.Unlock()
		return
	}
	ctx := m.lifecycle
	m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	_ = m.connect(ctx)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) writeLocked(conn *websocket.Conn, data []byte) error {
	if m.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	m.framesOut++
	metrics.FramesTotal.WithLabelValues("outbound", protocol.EnvelopeTypeOf(data)).Inc()
	return nil
}

// setState changes the connection state and notifies listeners. Callers hold mu.
func (m *Manager) setState(state ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	publishState(state)

	// Non-blocking send to state channel
	select {
	case m.stateChan <- state:
	default:
	}
}

func publishState(state ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Manager) record(ctx context.Context, event *audit.Event) {
	if id := audit.GetCorrelationID(ctx); id != "" {
		event = event.WithCorrelationID(id)
	}
	event = event.WithEndpoint(m.opts.URL)
	if m.opts.SessionID != "" {
		event = event.WithSession(m.opts.SessionID)
	}
	if err := m.auditLog.Log(ctx, event); err != nil {
		m.logger.Debug("audit log failed", zap.Error(err))
	}
}

func frameLabel(t protocol.FrameType) string {
	switch t {
	case protocol.FrameChunk, protocol.FrameComplete, protocol.FrameDone, protocol.FrameStatus,
		protocol.FrameToolResult, protocol.FrameCitation, protocol.FrameError, protocol.FrameData,
		protocol.FrameHeartbeat, protocol.FramePing, protocol.FramePong:
		return string(t)
	case "":
		return "untyped"
	}
	return "other"
}

// StateChanges returns the channel for connection state changes
func (m *Manager) StateChanges() <-chan ConnectionState {
	return m.stateChan
}

// IsConnected returns whether the socket is open
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// GetState returns the current connection state
func (m *Manager) GetState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of envelopes waiting for a connection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// GetStats returns connection statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var connectedDuration time.Duration
	if m.state == StateConnected {
		connectedDuration = time.Since(m.connectedAt)
	}

	return map[string]interface{}{
		"state":              m.state,
		"endpoint":           m.opts.URL,
		"connected_at":       m.connectedAt,
		"connected_duration": connectedDuration.String(),
		"last_frame":         m.lastFrameAt,
		"last_close_code":    m.lastClose,
		"attempts":           m.attempts,
		"reconnect_count":    m.reconnectCount,
		"frames_in":          m.framesIn,
		"frames_out":         m.framesOut,
		"dropped_envelopes":  m.dropped,
		"queue_size":         m.queue.len(),
		"queue_limit":        m.opts.MaxQueue,
		"retry_pending":      m.retryTimer != nil,
	}
}

// SetDisconnectHandler sets the callback invoked on every closure.
func (m *Manager) SetDisconnectHandler(handler func(code int, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectHandler = handler
}

// SetErrorHandler sets the callback invoked on transport errors.
func (m *Manager) SetErrorHandler(handler func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHandler = handler
}

// SetBackpressureHandler sets a custom backpressure handler
func (m *Manager) SetBackpressureHandler(handler func(queueSize int, droppedCount int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backpressureHandler = handler
}
