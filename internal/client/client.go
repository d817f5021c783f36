// Package client wires the realtime core into one handle owned by main.
//
// A Client holds exactly one connection manager, one subscriber registry, one
// stream assembler and one context enricher. Inbound frames flow
// manager -> registry -> subscribers; the assembler is subscribed for the chat
// frame types and other collaborators can subscribe for anything else.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/audit"
	"github.com/conarylabs/mira-realtime/internal/config"
	"github.com/conarylabs/mira-realtime/internal/enricher"
	"github.com/conarylabs/mira-realtime/internal/protocol"
	"github.com/conarylabs/mira-realtime/internal/registry"
	"github.com/conarylabs/mira-realtime/internal/stream"
	"github.com/conarylabs/mira-realtime/internal/transport"
)

// assemblerSubscriber is the registry id of the chat assembler.
const assemblerSubscriber = "stream-assembler"

// Options groups the settings of each component.
type Options struct {
	Transport transport.Options
	Stream    stream.Options
	Enricher  enricher.Options
}

// OptionsFromConfig maps the config file onto component options. The
// transcript store is not opened here; callers set Stream.Store.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	topts, err := transport.OptionsFromConfig(cfg)
	if err != nil {
		return Options{}, fmt.Errorf("transport options: %w", err)
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return Options{
		Transport: topts,
		Stream: stream.Options{
			StatusClear:     ms(cfg.Chat.StatusClearMs),
			ErrorClear:      ms(cfg.Chat.ErrorClearMs),
			ThinkingTimeout: ms(cfg.Chat.ThinkingTimeoutMs),
			SessionID:       cfg.Chat.SessionID,
		},
		Enricher: enricher.Options{
			SessionID:        cfg.Chat.SessionID,
			DefaultProjectID: cfg.Chat.ProjectID,
			MaxFileBytes:     cfg.Chat.MaxFileBytes,
		},
	}, nil
}

// Client is the composition root handle.
type Client struct {
	manager   *transport.Manager
	registry  *registry.Registry
	assembler *stream.Assembler
	enricher  *enricher.Enricher
	logger    *zap.Logger

	unsubscribe func()
}

// New builds the component graph. Nothing is dialed until Start or the first
// send.
func New(opts Options, logger *zap.Logger, auditLog audit.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// The enricher owns session id generation; everything else follows it.
	enr := enricher.New(opts.Enricher, logger)
	opts.Stream.SessionID = enr.SessionID()
	opts.Transport.SessionID = enr.SessionID()

	reg := registry.New(logger)
	asm := stream.NewAssembler(opts.Stream, logger)

	mgr, err := transport.NewManager(opts.Transport, reg, logger, auditLog)
	if err != nil {
		asm.Close()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	c := &Client{
		manager:   mgr,
		registry:  reg,
		assembler: asm,
		enricher:  enr,
		logger:    logger.With(zap.String("component", "client"), zap.String("session_id", enr.SessionID())),
	}
	c.unsubscribe = reg.Subscribe(assemblerSubscriber, asm.Handle, protocol.ChatFrameTypes...)

	mgr.SetErrorHandler(func(err error) {
		c.logger.Debug("connection error", zap.Error(err))
	})
	mgr.SetBackpressureHandler(func(queueSize, dropped int) {
		c.logger.Warn("outbound queue full, oldest envelope dropped",
			zap.Int("queue_size", queueSize),
			zap.Int("dropped_total", dropped),
		)
	})
	return c, nil
}

// Start schedules the first connect. Cancelling ctx disconnects.
func (c *Client) Start(ctx context.Context) {
	c.logger.Info("starting realtime client")
	c.manager.Start(ctx)
}

// SendChat records the user's turn and sends the enriched chat envelope. The
// envelope is queued when the socket is not open. A turn whose envelope was
// refused is retracted again.
func (c *Client) SendChat(content string, pc enricher.ProjectContext) (stream.Message, error) {
	env, err := c.enricher.BuildChat(content, pc)
	if err != nil {
		return stream.Message{}, err
	}
	// The turn goes into history first so an answer can never land before it.
	msg, err := c.assembler.AddUserMessage(content)
	if err != nil {
		return stream.Message{}, err
	}
	if err := c.manager.Send(env); err != nil {
		c.assembler.RetractUserMessage(msg.ID)
		return stream.Message{}, fmt.Errorf("send chat: %w", err)
	}
	return msg, nil
}

// SendCommand sends a command envelope of one of the command families.
func (c *Client) SendCommand(t protocol.EnvelopeType, method string, params interface{}) error {
	env, err := c.enricher.BuildCommand(t, method, params)
	if err != nil {
		return err
	}
	if err := c.manager.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// Subscribe registers an additional frame consumer. The assembler's own id is
// reserved.
func (c *Client) Subscribe(id string, cb registry.Callback, types ...protocol.FrameType) (func(), error) {
	if id == assemblerSubscriber {
		return nil, fmt.Errorf("subscriber id %q is reserved", id)
	}
	return c.registry.Subscribe(id, cb, types...), nil
}

// Close disconnects, waits for the reader to exit and stops the assembler's
// timers.
func (c *Client) Close(ctx context.Context) error {
	c.unsubscribe()
	err := c.manager.Shutdown(ctx)
	c.assembler.Close()
	if err != nil {
		return fmt.Errorf("shutdown connection manager: %w", err)
	}
	c.logger.Info("realtime client closed")
	return nil
}

// Stats merges the connection stats with assembler and registry state.
func (c *Client) Stats() map[string]interface{} {
	stats := c.manager.GetStats()
	stats["session_id"] = c.enricher.SessionID()
	stats["subscribers"] = c.registry.Len()
	stats["history_size"] = len(c.assembler.History())
	stats["thinking"] = c.assembler.Thinking()
	_, streaming := c.assembler.Open()
	stats["streaming"] = streaming
	return stats
}

// ChatStatus is the ephemeral UI state around the transcript.
type ChatStatus struct {
	Connection transport.ConnectionState `json:"connection"`
	Thinking   bool                      `json:"thinking"`
	Streaming  bool                      `json:"streaming"`
	Status     string                    `json:"status,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// ChatStatus snapshots the connection and assembler indicators.
func (c *Client) ChatStatus() ChatStatus {
	_, streaming := c.assembler.Open()
	return ChatStatus{
		Connection: c.manager.GetState(),
		Thinking:   c.assembler.Thinking(),
		Streaming:  streaming,
		Status:     c.assembler.Status(),
		Error:      c.assembler.LastError(),
	}
}

// History returns the assembled messages, newest first.
func (c *Client) History() []stream.Message { return c.assembler.History() }

// SessionID returns the session every envelope is tagged with.
func (c *Client) SessionID() string { return c.enricher.SessionID() }

// State returns the connection state.
func (c *Client) State() transport.ConnectionState { return c.manager.GetState() }

// Manager exposes the connection manager for state observers.
func (c *Client) Manager() *transport.Manager { return c.manager }

// Assembler exposes the chat state for readers and change listeners.
func (c *Client) Assembler() *stream.Assembler { return c.assembler }
