// Package enricher turns a user's chat input plus the UI's project and editor
// context into the outbound chat envelope.
package enricher

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/protocol"
)

// DefaultMaxFileBytes caps file_content at 64 KiB.
const DefaultMaxFileBytes = 64 * 1024

// GitState describes the repository behind the active project.
type GitState struct {
	HasRepository      bool
	CurrentBranch      string
	ModifiedFilesCount int
}

// ProjectContext is what the UI knows at send time. Zero values are omitted
// from the envelope.
type ProjectContext struct {
	ProjectID   string
	FilePath    string
	FileContent string
	Language    string
	Git         *GitState
}

// Options configures an Enricher.
type Options struct {
	SessionID        string
	DefaultProjectID string
	MaxFileBytes     int
}

// Enricher builds chat envelopes for one session.
type Enricher struct {
	sessionID        string
	defaultProjectID string
	maxFileBytes     int
	logger           *zap.Logger
}

// New creates an Enricher, generating a session id when none is configured.
func New(opts Options, logger *zap.Logger) *Enricher {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		sessionID:        opts.SessionID,
		defaultProjectID: opts.DefaultProjectID,
		maxFileBytes:     opts.MaxFileBytes,
		logger:           logger.With(zap.String("component", "enricher")),
	}
}

// SessionID returns the session every envelope is tagged with.
func (e *Enricher) SessionID() string {
	return e.sessionID
}

// BuildChat builds the chat envelope for content. Content is sent verbatim.
func (e *Enricher) BuildChat(content string, pc ProjectContext) (protocol.ChatEnvelope, error) {
	if strings.TrimSpace(content) == "" {
		return protocol.ChatEnvelope{}, protocol.ErrEmptyContent
	}

	projectID := pc.ProjectID
	if projectID == "" {
		projectID = e.defaultProjectID
	}

	meta := protocol.ChatMetadata{SessionID: e.sessionID}
	if pc.FilePath != "" {
		meta.FilePath = protocol.String(pc.FilePath)
		lang := pc.Language
		if lang == "" {
			lang = DetectLanguage(pc.FilePath)
		}
		meta.Language = protocol.String(lang)
	}
	if pc.FileContent != "" {
		body := truncateUTF8(pc.FileContent, e.maxFileBytes)
		if len(body) < len(pc.FileContent) {
			e.logger.Debug("file content truncated",
				zap.String("file_path", pc.FilePath),
				zap.Int("bytes", len(pc.FileContent)),
				zap.Int("limit", e.maxFileBytes),
			)
		}
		meta.FileContent = &body
	}
	if pc.Git != nil {
		has := pc.Git.HasRepository
		meta.HasRepository = &has
		if has {
			meta.CurrentBranch = protocol.String(pc.Git.CurrentBranch)
			n := pc.Git.ModifiedFilesCount
			meta.ModifiedFilesCount = &n
		}
	}

	return protocol.ChatEnvelope{
		Type:      protocol.EnvelopeChat,
		Content:   content,
		ProjectID: protocol.String(projectID),
		Metadata:  meta,
	}, nil
}

// BuildCommand builds a command envelope for one of the command families.
func (e *Enricher) BuildCommand(t protocol.EnvelopeType, method string, params interface{}) (protocol.CommandEnvelope, error) {
	return protocol.NewCommand(t, method, params)
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
