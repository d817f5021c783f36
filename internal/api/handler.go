// Package api serves the loopback HTTP surface UI shells use to drive the
// realtime client: send chat and command envelopes, read the assembled history
// and the transient indicators, and browse stored transcripts.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/client"
	"github.com/conarylabs/mira-realtime/internal/db"
	"github.com/conarylabs/mira-realtime/internal/enricher"
	"github.com/conarylabs/mira-realtime/internal/protocol"
	"github.com/conarylabs/mira-realtime/internal/stream"
	"github.com/conarylabs/mira-realtime/internal/transport"
)

const maxBodyBytes = 1 << 20

// ChatService is the part of the realtime client the API drives.
type ChatService interface {
	SendChat(content string, pc enricher.ProjectContext) (stream.Message, error)
	SendCommand(t protocol.EnvelopeType, method string, params interface{}) error
	History() []stream.Message
	ChatStatus() client.ChatStatus
	Stats() map[string]interface{}
}

// Handler serves the API routes.
type Handler struct {
	chat       ChatService
	store      db.Store // nil when transcripts are disabled
	transcript *db.Transcript
	logger     *zap.Logger
}

// NewHandler creates a handler. store may be nil.
func NewHandler(chat ChatService, store db.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{chat: chat, store: store, logger: logger.With(zap.String("component", "api"))}
	if store != nil {
		h.transcript = db.NewTranscript(store, "")
	}
	return h
}

// SetupRoutes registers the versioned API on router.
func SetupRoutes(router *mux.Router, h *Handler) {
	// Live chat
	router.HandleFunc("/messages", h.ListMessages).Methods("GET")
	router.HandleFunc("/messages", h.SendMessage).Methods("POST")
	router.HandleFunc("/commands", h.SendCommand).Methods("POST")
	router.HandleFunc("/status", h.GetStatus).Methods("GET")

	// Stored transcripts
	router.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	router.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	router.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	router.HandleFunc("/sessions/{id}/messages", h.GetSessionMessages).Methods("GET")
}

// chatRequest is the body of POST /messages.
type chatRequest struct {
	Content     string      `json:"content"`
	ProjectID   string      `json:"project_id,omitempty"`
	FilePath    string      `json:"file_path,omitempty"`
	FileContent string      `json:"file_content,omitempty"`
	Language    string      `json:"language,omitempty"`
	Git         *gitRequest `json:"git,omitempty"`
}

type gitRequest struct {
	HasRepository      bool   `json:"has_repository"`
	CurrentBranch      string `json:"current_branch,omitempty"`
	ModifiedFilesCount int    `json:"modified_files_count,omitempty"`
}

func (req chatRequest) projectContext() enricher.ProjectContext {
	pc := enricher.ProjectContext{
		ProjectID:   req.ProjectID,
		FilePath:    req.FilePath,
		FileContent: req.FileContent,
		Language:    req.Language,
	}
	if req.Git != nil {
		pc.Git = &enricher.GitState{
			HasRepository:      req.Git.HasRepository,
			CurrentBranch:      req.Git.CurrentBranch,
			ModifiedFilesCount: req.Git.ModifiedFilesCount,
		}
	}
	return pc
}

// commandRequest is the body of POST /commands.
type commandRequest struct {
	Type   protocol.EnvelopeType `json:"type"`
	Method string                `json:"method"`
	Params json.RawMessage       `json:"params,omitempty"`
}

// ListMessages handles GET /messages. History is newest first; limit keeps
// the newest entries.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	history := h.chat.History()
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": history,
		"count":    len(history),
	})
}

// SendMessage handles POST /messages. The envelope is accepted even while
// the socket is down; it is flushed on the next open.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := h.chat.SendChat(req.Content, req.projectContext())
	if err != nil {
		h.respondSendError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, msg)
}

// SendCommand handles POST /commands.
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var params interface{}
	if len(req.Params) > 0 {
		params = req.Params
	}
	if err := h.chat.SendCommand(req.Type, req.Method, params); err != nil {
		h.respondSendError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.chat.ChatStatus())
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("list sessions", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*db.SessionRecord{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("get session", zap.String("session_id", id), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to load session")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		h.logger.Error("delete session", zap.String("session_id", id), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionMessages handles GET /sessions/{id}/messages, oldest first.
func (h *Handler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	msgs, err := h.transcript.Load(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("load transcript", zap.String("session_id", id), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to load transcript")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"messages":   msgs,
		"count":      len(msgs),
	})
}

// Healthz handles GET /healthz with the full client stats.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	stats := h.chat.Stats()
	stats["status"] = "ok"
	respondJSON(w, http.StatusOK, stats)
}

// Live handles GET /healthz/live - the process is serving.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /healthz/ready - the socket is open and the transcript
// store, if any, answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if state := h.chat.ChatStatus().Connection; state != transport.StateConnected {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"reason": "not_connected",
			"state":  state,
		})
		return
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"reason": "database_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if h.store == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeTranscriptDisabled, "transcript storage is disabled")
		return false
	}
	return true
}

func (h *Handler) respondSendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, protocol.ErrEmptyContent), errors.Is(err, protocol.ErrInvalidEnvelope):
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, transport.ErrQueueFull):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeQueueFull, err.Error())
	case errors.Is(err, transport.ErrClosed):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeClientClosed, err.Error())
	default:
		h.logger.Error("send envelope", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to send")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
