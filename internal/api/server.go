// Package api exposes the HTTP surface for publishing notes, managing the
// browser login session, and parsing page URLs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xhs-toolkit/internal/content"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/internal/storage"
	"xhs-toolkit/internal/task"
	"xhs-toolkit/pkg/types"
)

// PageParser extracts structured content from a supported page URL.
type PageParser interface {
	Extract(ctx context.Context, rawURL string, includeRawHTML bool) types.ParsedPage
}

// ArchiveReader looks up tasks that were evicted from the in-memory registry.
type ArchiveReader interface {
	Get(ctx context.Context, taskID string) (types.TaskSnapshot, error)
	Recent(ctx context.Context, limit int) ([]types.TaskSnapshot, error)
}

// Server wires handlers onto an HTTP mux.
type Server struct {
	registry *task.Registry
	sessions *session.Manager
	parser   PageParser
	archive  ArchiveReader
	logger   *slog.Logger
	mux      *http.ServeMux
}

// ServerOptions collects the server's collaborators. Archive is optional.
type ServerOptions struct {
	Registry *task.Registry
	Sessions *session.Manager
	Parser   PageParser
	Archive  ArchiveReader
	Logger   *slog.Logger
}

// NewServer builds the HTTP API around a task registry and session manager.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		registry: opts.Registry,
		sessions: opts.Sessions,
		parser:   opts.Parser,
		archive:  opts.Archive,
		logger:   opts.Logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/notes", s.handleNotes)
	s.mux.HandleFunc("/api/notes/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/notes/tasks/", s.handleTaskByID)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/session", s.handleSessionStatus)
	s.mux.HandleFunc("/api/parse", s.handleParse)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req PublishNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}

	note, warnings, err := content.Normalize(content.PublishInput{
		Title:        req.Title,
		Content:      req.Content,
		Images:       req.Images,
		Videos:       req.Videos,
		Topics:       req.Topics,
		Location:     req.Location,
		IsCommercial: req.IsCommercial,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := content.Validate(note); err != nil {
		var verr *content.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": verr.Message,
				"kind":  string(verr.Kind),
			})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID, err := s.registry.Create(note, warnings)
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("publish task queued", "task_id", taskID, "content_type", note.ContentType())
	writeJSON(w, http.StatusAccepted, PublishNoteResponse{
		TaskID:        taskID,
		State:         string(types.TaskQueued),
		ParsingResult: parsingResultFrom(note),
		Warnings:      warnings,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if s.archive == nil {
		writeJSON(w, http.StatusOK, []TaskStatusResponse{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	snaps, err := s.archive.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("archived task listing failed", "error", err)
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]TaskStatusResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, taskStatusFrom(snap, true))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/notes/tasks/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	taskID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getTaskStatus(w, r, taskID)
	case len(parts) == 2 && parts[1] == "result":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getTaskResult(w, r, taskID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	snap, err := s.registry.Snapshot(taskID)
	if err == nil {
		writeJSON(w, http.StatusOK, taskStatusFrom(snap, false))
		return
	}
	if !errors.Is(err, task.ErrTaskNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap, ok := s.archivedTask(r.Context(), taskID); ok {
		writeJSON(w, http.StatusOK, taskStatusFrom(snap, true))
		return
	}
	http.NotFound(w, r)
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request, taskID string) {
	result, errRec, err := s.registry.Result(taskID)
	switch {
	case err == nil:
		snap, snapErr := s.registry.Snapshot(taskID)
		if snapErr != nil {
			http.Error(w, snapErr.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, TaskResultResponse{
			TaskID: taskID,
			State:  string(snap.State),
			Result: result,
			Error:  errRec,
		})
	case errors.Is(err, task.ErrTaskNotReady):
		snap, snapErr := s.registry.Snapshot(taskID)
		if snapErr != nil {
			http.Error(w, snapErr.Error(), http.StatusInternalServerError)
			return
		}
		// Not an error condition: the caller polls until the task settles.
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        false,
			"not_ready":      true,
			"task_id":        taskID,
			"current_status": string(snap.State),
			"progress":       snap.Progress,
			"message":        snap.Message,
		})
	case errors.Is(err, task.ErrTaskNotFound):
		if snap, ok := s.archivedTask(r.Context(), taskID); ok {
			writeJSON(w, http.StatusOK, TaskResultResponse{
				TaskID: taskID,
				State:  string(snap.State),
				Result: snap.Result,
				Error:  snap.Error,
			})
			return
		}
		http.NotFound(w, r)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) archivedTask(ctx context.Context, taskID string) (types.TaskSnapshot, bool) {
	if s.archive == nil {
		return types.TaskSnapshot{}, false
	}
	snap, err := s.archive.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotArchived) {
			s.logger.Warn("archived task lookup failed", "task_id", taskID, "error", err)
		}
		return types.TaskSnapshot{}, false
	}
	return snap, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req LoginRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
			return
		}
	}
	outcome, err := s.sessions.Login(r.Context(), session.LoginOptions{
		ForceRelogin: req.ForceRelogin,
		QuickMode:    req.QuickMode,
	})
	if err != nil && !errors.Is(err, session.ErrLoginFailed) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, loginResponseFrom(outcome))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ParseURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	// Extraction failures are reported in-band with success=false.
	page := s.parser.Extract(r.Context(), req.URL, req.IncludeRawHTML)
	writeJSON(w, http.StatusOK, page)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
