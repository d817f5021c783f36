// Package stream assembles chunked assistant answers into chat history.
//
// The assembler is a registry subscriber for the chat frame types. At most one
// message is open (streaming) at a time and it is always the newest entry.
// Tool results and citations are buffered per stream and attached when the
// stream is finalized by complete or done.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/metrics"
	"github.com/conarylabs/mira-realtime/internal/protocol"
)

const (
	defaultClearAfter = 5 * time.Second
	timeoutMessage    = "No response from the assistant, please try again"
	unknownError      = "An unknown error occurred"
)

// Options tunes the assembler's ephemeral UI state.
type Options struct {
	StatusClear     time.Duration // status auto-clear, default 5s
	ErrorClear      time.Duration // error auto-clear, default 5s
	ThinkingTimeout time.Duration // 0 disables
	SessionID       string
	Store           TranscriptStore
}

// Assembler is the chat state machine. All methods are goroutine-safe.
type Assembler struct {
	opts   Options
	logger *zap.Logger

	mu           sync.Mutex
	messages     []*Message // oldest first
	open         *Message
	pendingTools []protocol.ToolResult
	pendingCites []protocol.Citation

	thinking      bool
	thinkingGen   uint64
	thinkingTimer *time.Timer

	status      string
	statusGen   uint64
	statusTimer *time.Timer

	lastErr    string
	errGen     uint64
	errorTimer *time.Timer

	listeners []func(Change)
}

// NewAssembler creates an idle assembler with empty history.
func NewAssembler(opts Options, logger *zap.Logger) *Assembler {
	if opts.StatusClear <= 0 {
		opts.StatusClear = defaultClearAfter
	}
	if opts.ErrorClear <= 0 {
		opts.ErrorClear = defaultClearAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		opts:   opts,
		logger: logger.With(zap.String("component", "stream")),
	}
}

// OnChange registers a listener. Listeners run synchronously after each state
// change, outside the assembler lock, and may call the read accessors.
func (a *Assembler) OnChange(fn func(Change)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// batch collects the side effects of one transition so they run after unlock.
type batch struct {
	changes []Change
	persist []Message
	retract []string
}

func (b *batch) add(kind ChangeKind, msg *Message) {
	c := Change{Kind: kind}
	if msg != nil {
		m := msg.clone()
		c.Message = &m
	}
	b.changes = append(b.changes, c)
}

// Handle applies one inbound frame. Frame types the assembler does not own are
// ignored.
func (a *Assembler) Handle(frame protocol.Frame) {
	var b batch

	a.mu.Lock()
	switch frame.Type {
	case protocol.FrameChunk:
		a.applyChunk(frame, &b)
	case protocol.FrameToolResult:
		a.pendingTools = append(a.pendingTools, frame.ToolResult())
	case protocol.FrameCitation:
		a.pendingCites = append(a.pendingCites, frame.Citation())
	case protocol.FrameStatus:
		a.setStatusLocked(frame.StatusText(), &b)
	case protocol.FrameComplete, protocol.FrameDone:
		a.setThinkingLocked(false, &b)
		if a.open != nil {
			a.finalizeLocked(frame, &b)
		}
	case protocol.FrameError:
		a.setThinkingLocked(false, &b)
		text := frame.StatusText()
		if text == "" {
			text = unknownError
		}
		a.setErrorLocked(text, &b)
	}
	a.mu.Unlock()

	a.flush(b)
}

func (a *Assembler) applyChunk(frame protocol.Frame, b *batch) {
	if a.open != nil && sameStream(a.open, frame) {
		a.open.Content += frame.Content
		if a.open.StreamID == "" {
			a.open.StreamID = frame.StreamID
		}
		if a.open.Mood == "" {
			a.open.Mood = frame.Mood
		}
		b.add(ChangeMessageDelta, a.open)
		b.changes[len(b.changes)-1].Delta = frame.Content
	} else {
		if prev := a.open; prev != nil {
			// Superseded: keep what it has, stop it streaming.
			prev.IsStreaming = false
			prev.Interrupted = true
			metrics.StreamsInterrupted.Inc()
			a.logger.Debug("stream superseded",
				zap.String("message_id", prev.ID),
				zap.String("stream_id", prev.StreamID),
				zap.String("next_stream_id", frame.StreamID),
			)
			b.add(ChangeMessageInterrupted, prev)
		}
		msg := &Message{
			ID:          uuid.NewString(),
			Role:        RoleAssistant,
			Content:     frame.Content,
			IsStreaming: true,
			StreamID:    frame.StreamID,
			Mood:        frame.Mood,
			CreatedAt:   time.Now(),
		}
		a.messages = append(a.messages, msg)
		a.open = msg
		a.pendingTools = nil
		a.pendingCites = nil
		b.add(ChangeMessageStarted, msg)
	}

	if frame.HasText() {
		a.setThinkingLocked(false, b)
	}
}

// sameStream reports whether frame continues the open message. Chunks without
// a stream id always continue it.
func sameStream(open *Message, frame protocol.Frame) bool {
	return frame.StreamID == "" || open.StreamID == "" || frame.StreamID == open.StreamID
}

func (a *Assembler) finalizeLocked(frame protocol.Frame, b *batch) {
	msg := a.open
	now := time.Now()

	msg.IsStreaming = false
	msg.FinalizedAt = &now
	if len(a.pendingTools) > 0 {
		msg.ToolResults = a.pendingTools
	}
	if len(a.pendingCites) > 0 {
		msg.Citations = a.pendingCites
	}
	if frame.Type == protocol.FrameComplete {
		if frame.Mood != "" {
			msg.Mood = frame.Mood
		}
		if frame.Salience != nil {
			v := *frame.Salience
			msg.Salience = &v
		}
		if len(frame.Tags) > 0 {
			msg.Tags = append([]string(nil), frame.Tags...)
		}
	}
	a.pendingTools = nil
	a.pendingCites = nil
	a.open = nil

	metrics.StreamsFinalized.Inc()
	metrics.StreamDuration.Observe(now.Sub(msg.CreatedAt).Seconds())

	b.add(ChangeMessageFinalized, msg)
	b.persist = append(b.persist, msg.clone())
}

// AddUserMessage records the user's turn and raises the thinking indicator.
func (a *Assembler) AddUserMessage(content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, protocol.ErrEmptyContent
	}

	var b batch
	now := time.Now()
	msg := &Message{
		ID:          uuid.NewString(),
		Role:        RoleUser,
		Content:     content,
		CreatedAt:   now,
		FinalizedAt: &now,
	}

	a.mu.Lock()
	a.messages = append(a.messages, msg)
	out := msg.clone()
	b.add(ChangeMessageFinalized, msg)
	b.persist = append(b.persist, out)
	a.setThinkingLocked(true, &b)
	a.mu.Unlock()

	a.flush(b)
	return out, nil
}

// RetractUserMessage removes a user turn whose envelope never left the client.
// The thinking indicator is cleared when the turn was the latest message and
// no answer is streaming. It reports whether the message was found.
func (a *Assembler) RetractUserMessage(id string) bool {
	var b batch

	a.mu.Lock()
	idx := -1
	for i, m := range a.messages {
		if m.ID == id && m.Role == RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.mu.Unlock()
		return false
	}
	msg := a.messages[idx]
	latest := idx == len(a.messages)-1
	a.messages = append(a.messages[:idx], a.messages[idx+1:]...)
	b.add(ChangeMessageRetracted, msg)
	b.retract = append(b.retract, msg.ID)
	if latest && a.open == nil {
		a.setThinkingLocked(false, &b)
	}
	a.mu.Unlock()

	a.flush(b)
	return true
}

func (a *Assembler) setThinkingLocked(on bool, b *batch) {
	if a.thinking == on {
		return
	}
	a.thinking = on
	a.thinkingGen++
	if a.thinkingTimer != nil {
		a.thinkingTimer.Stop()
		a.thinkingTimer = nil
	}
	if on && a.opts.ThinkingTimeout > 0 {
		gen := a.thinkingGen
		a.thinkingTimer = time.AfterFunc(a.opts.ThinkingTimeout, func() { a.thinkingExpired(gen) })
	}
	b.changes = append(b.changes, Change{Kind: ChangeThinking, Thinking: on})
}

func (a *Assembler) thinkingExpired(gen uint64) {
	var b batch
	a.mu.Lock()
	if gen != a.thinkingGen || !a.thinking {
		a.mu.Unlock()
		return
	}
	a.setThinkingLocked(false, &b)
	a.setErrorLocked(timeoutMessage, &b)
	a.mu.Unlock()

	a.logger.Warn("thinking indicator timed out", zap.Duration("timeout", a.opts.ThinkingTimeout))
	a.flush(b)
}

func (a *Assembler) setStatusLocked(text string, b *batch) {
	a.status = text
	a.statusGen++
	gen := a.statusGen
	if a.statusTimer != nil {
		a.statusTimer.Stop()
	}
	a.statusTimer = time.AfterFunc(a.opts.StatusClear, func() { a.clearStatus(gen) })
	b.changes = append(b.changes, Change{Kind: ChangeStatus, Text: text})
}

func (a *Assembler) clearStatus(gen uint64) {
	a.mu.Lock()
	if gen != a.statusGen {
		a.mu.Unlock()
		return
	}
	a.status = ""
	a.statusTimer = nil
	a.mu.Unlock()
	a.flush(batch{changes: []Change{{Kind: ChangeStatus}}})
}

func (a *Assembler) setErrorLocked(text string, b *batch) {
	a.lastErr = text
	a.errGen++
	gen := a.errGen
	if a.errorTimer != nil {
		a.errorTimer.Stop()
	}
	a.errorTimer = time.AfterFunc(a.opts.ErrorClear, func() { a.clearError(gen) })
	b.changes = append(b.changes, Change{Kind: ChangeError, Text: text})
}

func (a *Assembler) clearError(gen uint64) {
	a.mu.Lock()
	if gen != a.errGen {
		a.mu.Unlock()
		return
	}
	a.lastErr = ""
	a.errorTimer = nil
	a.mu.Unlock()
	a.flush(batch{changes: []Change{{Kind: ChangeError}}})
}

func (a *Assembler) flush(b batch) {
	if a.opts.Store != nil {
		for _, msg := range b.persist {
			if err := a.opts.Store.SaveMessage(context.Background(), a.opts.SessionID, msg); err != nil {
				a.logger.Error("failed to persist message", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
		for _, id := range b.retract {
			if err := a.opts.Store.DeleteMessage(context.Background(), a.opts.SessionID, id); err != nil {
				a.logger.Error("failed to delete retracted message", zap.String("message_id", id), zap.Error(err))
			}
		}
	}
	if len(b.changes) == 0 {
		return
	}

	a.mu.Lock()
	listeners := append([]func(Change){}, a.listeners...)
	a.mu.Unlock()
	for _, c := range b.changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// History returns copies of all messages, newest first.
func (a *Assembler) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, 0, len(a.messages))
	for i := len(a.messages) - 1; i >= 0; i-- {
		out = append(out, a.messages[i].clone())
	}
	return out
}

// Open returns the streaming message, if any.
func (a *Assembler) Open() (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return Message{}, false
	}
	return a.open.clone(), true
}

// Thinking reports whether the assistant is expected to start answering.
func (a *Assembler) Thinking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thinking
}

// Status returns the current ephemeral status text.
func (a *Assembler) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// LastError returns the current ephemeral error text.
func (a *Assembler) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Close stops pending timers.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range []*time.Timer{a.statusTimer, a.errorTimer, a.thinkingTimer} {
		if t != nil {
			t.Stop()
		}
	}
	a.statusTimer, a.errorTimer, a.thinkingTimer = nil, nil, nil
	// Invalidate timers that already fired but have not taken the lock yet.
	a.statusGen++
	a.errGen++
	a.thinkingGen++
}
