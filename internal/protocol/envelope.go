package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType names an outbound frame family.
type EnvelopeType string

const (
	EnvelopeChat              EnvelopeType = "chat"
	EnvelopeProjectCommand    EnvelopeType = "project_command"
	EnvelopeGitCommand        EnvelopeType = "git_command"
	EnvelopeFileSystemCommand EnvelopeType = "file_system_command"
	EnvelopeDocumentCommand   EnvelopeType = "document_command"
	EnvelopeMemoryCommand     EnvelopeType = "memory_command"
)

// ErrInvalidEnvelope is returned when an envelope is missing required fields.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ErrEmptyContent is returned when a chat message has no non-blank content.
var ErrEmptyContent = errors.New("message content is empty")

// ChatEnvelope is the outbound chat message.
type ChatEnvelope struct {
	Type      EnvelopeType `json:"type"`
	Content   string       `json:"content"`
	ProjectID *string      `json:"project_id"`
	Metadata  ChatMetadata `json:"metadata"`
}

// ChatMetadata carries the session and the editor/repository context of the turn.
type ChatMetadata struct {
	SessionID          string  `json:"session_id"`
	FilePath           *string `json:"file_path,omitempty"`
	FileContent        *string `json:"file_content,omitempty"`
	Language           *string `json:"language,omitempty"`
	HasRepository      *bool   `json:"has_repository,omitempty"`
	CurrentBranch      *string `json:"current_branch,omitempty"`
	ModifiedFilesCount *int    `json:"modified_files_count,omitempty"`
}

// CommandEnvelope is the shared shape of the command families.
type CommandEnvelope struct {
	Type   EnvelopeType    `json:"type"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsCommandType reports whether t is one of the command families.
func IsCommandType(t EnvelopeType) bool {
	switch t {
	case EnvelopeProjectCommand, EnvelopeGitCommand, EnvelopeFileSystemCommand,
		EnvelopeDocumentCommand, EnvelopeMemoryCommand:
		return true
	}
	return false
}

// NewCommand builds a command envelope, marshaling params when they are not
// already raw JSON.
func NewCommand(t EnvelopeType, method string, params interface{}) (CommandEnvelope, error) {
	if !IsCommandType(t) {
		return CommandEnvelope{}, fmt.Errorf("%w: unknown command type %q", ErrInvalidEnvelope, t)
	}
	if method == "" {
		return CommandEnvelope{}, fmt.Errorf("%w: method is required", ErrInvalidEnvelope)
	}

	env := CommandEnvelope{Type: t, Method: method}
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		env.Params = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return CommandEnvelope{}, fmt.Errorf("marshal params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// Encode serializes an envelope to its wire form.
func Encode(envelope interface{}) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// EnvelopeTypeOf reads the "type" of an encoded envelope for metrics labels.
// Types outside the known families collapse to "other".
func EnvelopeTypeOf(data []byte) string {
	var head struct {
		Type EnvelopeType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "unknown"
	}
	if head.Type == EnvelopeChat || IsCommandType(head.Type) {
		return string(head.Type)
	}
	return "other"
}

// String returns a pointer to s, or nil when s is empty.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
