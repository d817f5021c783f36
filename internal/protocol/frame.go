// Package protocol defines the JSON frames exchanged with the chat backend over
// the chat socket.
//
// Inbound frames are a union keyed by "type". Only the fields the realtime core
// reads are decoded; Raw keeps the original bytes so data frames meant for other
// collaborators pass through untouched.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType identifies the kind of inbound frame.
type FrameType string

const (
	FrameChunk      FrameType = "chunk"
	FrameComplete   FrameType = "complete"
	FrameDone       FrameType = "done"
	FrameStatus     FrameType = "status"
	FrameToolResult FrameType = "tool_result"
	FrameCitation   FrameType = "citation"
	FrameError      FrameType = "error"
	FrameData       FrameType = "data"

	// Keep-alive frames the backend sends on idle sockets.
	FrameHeartbeat FrameType = "heartbeat"
	FramePing      FrameType = "ping"
	FramePong      FrameType = "pong"
)

// ChatFrameTypes are the frame types the stream assembler consumes.
var ChatFrameTypes = []FrameType{
	FrameChunk,
	FrameComplete,
	FrameDone,
	FrameStatus,
	FrameToolResult,
	FrameCitation,
	FrameError,
}

// ErrMalformedFrame is returned by DecodeFrame for input that is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded inbound message.
type Frame struct {
	Type FrameType `json:"type"`

	// chunk
	Content  string `json:"content,omitempty"`
	Mood     string `json:"mood,omitempty"`
	StreamID string `json:"stream_id,omitempty"`

	// complete
	Salience *float64 `json:"salience,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// status / error
	Message       string `json:"message,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`

	// tool_result
	ToolType string          `json:"tool_type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// citation
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Snippet  string `json:"snippet,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeFrame parses one inbound socket message. Typed fields are decoded only
// for chat frame types; any other type keeps its payload in Raw whatever its
// field shapes are.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := Frame{Type: head.Type}
	if IsChatFrameType(head.Type) {
		if err := json.Unmarshal(data, &f); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return f, nil
}

// IsChatFrameType reports whether t is consumed by the stream assembler.
func IsChatFrameType(t FrameType) bool {
	for _, ct := range ChatFrameTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// IsHeartbeat reports whether the frame is an idle keep-alive carrying no
// actionable type.
func (f Frame) IsHeartbeat() bool {
	switch f.Type {
	case "", FrameHeartbeat, FramePing, FramePong:
		return true
	}
	return false
}

// StatusText returns the human-readable status, which the backend sends either as
// "message" or "status_message".
func (f Frame) StatusText() string {
	if f.Message != "" {
		return f.Message
	}
	return f.StatusMessage
}

// HasText reports whether a chunk carries non-whitespace content.
func (f Frame) HasText() bool {
	return strings.TrimSpace(f.Content) != ""
}

// ToolResult returns the tool_result payload.
func (f Frame) ToolResult() ToolResult {
	return ToolResult{ToolType: f.ToolType, Data: f.Data}
}

// Citation returns the citation payload.
func (f Frame) Citation() Citation {
	return Citation{FileID: f.FileID, Filename: f.Filename, URL: f.URL, Snippet: f.Snippet}
}

// ToolResult is the output of a backend tool invocation attached to an answer.
type ToolResult struct {
	ToolType string          `json:"tool_type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Citation references a document the answer drew on.
type Citation struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}
