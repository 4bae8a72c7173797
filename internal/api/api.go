package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joescharf/chatsync/internal/client"
	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/llm"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/registry"
)

// titleSuggester is the part of *llm.Client the server uses.
type titleSuggester interface {
	SuggestTitle(ctx context.Context, msgs []models.Message, current string) (*llm.TitleSuggestion, error)
}

// Server provides the REST API handlers over a synchronized engine.
type Server struct {
	engine *engine.Engine
	titles titleSuggester
	log    *slog.Logger
}

// NewServer creates a new API server.
// The llmClient may be nil if no API key is configured.
func NewServer(e *engine.Engine, llmClient *llm.Client) *Server {
	s := &Server{engine: e, log: slog.Default()}
	if llmClient != nil {
		s.titles = llmClient
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}", s.updateSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/select", s.selectSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/title", s.suggestTitle)

	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/sessions/{id}/prompt", s.sendPrompt)
	mux.HandleFunc("POST /api/v1/sessions/{id}/command", s.sendCommand)
	mux.HandleFunc("POST /api/v1/sessions/{id}/abort", s.abortSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/status", s.sessionStatus)
	mux.HandleFunc("GET /api/v1/sessions/{id}/todos", s.listTodos)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/error", s.clearError)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/auto-accept", s.setAutoAccept)

	mux.HandleFunc("GET /api/v1/permissions", s.listPermissions)
	mux.HandleFunc("POST /api/v1/permissions/{id}/reply", s.replyPermission)
	mux.HandleFunc("GET /api/v1/questions", s.listQuestions)
	mux.HandleFunc("POST /api/v1/questions/{id}/reply", s.replyQuestion)
	mux.HandleFunc("POST /api/v1/questions/{id}/reject", s.rejectQuestion)

	mux.HandleFunc("GET /api/v1/model", s.getModel)
	mux.HandleFunc("PUT /api/v1/model", s.setModel)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine and remote failures to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrAlreadyResponded):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrEmptyPrompt), errors.Is(err, registry.ErrInvalidDirectory):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, client.ErrRemote):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("api request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// knownSession writes 404 and reports false when id is not in the registry.
func (s *Server) knownSession(w http.ResponseWriter, id string) (models.Session, bool) {
	sess, ok := s.engine.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found: "+id)
	}
	return sess, ok
}

// --- Health ---

type healthResponse struct {
	Connected     bool   `json:"connected"`
	StreamError   string `json:"stream_error,omitempty"`
	ActiveSession string `json:"active_session,omitempty"`
	Busy          int    `json:"busy"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Connected:     s.engine.Connected(),
		ActiveSession: s.engine.ActiveSession(),
		Busy:          len(s.engine.Status.Busy()),
	}
	if err := s.engine.StreamErr(); err != nil {
		resp.StreamError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Sessions ---

// sessionView is a session plus its local synchronization state.
type sessionView struct {
	models.Session
	Active     bool                 `json:"active"`
	Status     models.SessionStatus `json:"status"`
	AutoAccept bool                 `json:"auto_accept"`
	LastError  string               `json:"last_error,omitempty"`
}

func (s *Server) view(sess models.Session) sessionView {
	v := sessionView{
		Session:    sess,
		Active:     sess.ID == s.engine.ActiveSession(),
		Status:     s.engine.Status.Get(sess.ID),
		AutoAccept: s.engine.Permissions.AutoAccept(sess.ID),
	}
	if err := s.engine.LastError(sess.ID); err != nil {
		v.LastError = err.Error()
	}
	return v
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	list := s.engine.Registry.List()
	if parent != "" {
		list = s.engine.Registry.Children(parent)
	}
	views := make([]sessionView, 0, len(list))
	for _, sess := range list {
		views = append(views, s.view(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.knownSession(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Directory string `json:"directory"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.engine.Create(r.Context(), req.Directory)
	if err != nil && sess.ID == "" {
		s.writeEngineError(w, err)
		return
	}
	if err != nil {
		s.log.Warn("load new session", "session", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, s.view(sess))
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.knownSession(w, id); !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	sess, err := s.engine.Rename(r.Context(), id, req.Title)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.knownSession(w, id); !ok {
		return
	}
	next, err := s.engine.Delete(r.Context(), id)
	if err != nil && next == "" {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_session": next})
}

func (s *Server) selectSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.knownSession(w, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.engine.Select(r.Context(), sess.ID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) suggestTitle(w http.ResponseWriter, r *http.Request) {
	if s.titles == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM not configured: set anthropic.api_key")
		return
	}
	sess, ok := s.knownSession(w, r.PathValue("id"))
	if !ok {
		return
	}
	suggestion, err := s.titles.SuggestTitle(r.Context(), s.engine.Messages(sess.ID), sess.Title)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if r.URL.Query().Get("apply") == "true" {
		if _, err := s.engine.Rename(r.Context(), sess.ID, suggestion.Title); err != nil {
			s.writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, suggestion)
}

// --- Messages ---

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.engine.Messages(r.PathValue("id"))
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Send(r.Context(), r.PathValue("id"), req.Text); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command   string `json:"command"`
		Arguments string `json:"arguments"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Command(r.Context(), r.PathValue("id"), req.Command, req.Arguments); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Abort(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status.Get(r.PathValue("id")))
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request) {
	todos := s.engine.Todos(r.PathValue("id"))
	if todos == nil {
		todos = []models.Todo{}
	}
	writeJSON(w, http.StatusOK, todos)
}

func (s *Server) clearError(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearError(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setAutoAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	s.engine.SetAutoAccept(id, req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.Permissions.AutoAccept(id)})
}

// --- Side-channel requests ---

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	list := s.engine.Permissions.All()
	if sid := r.URL.Query().Get("session"); sid != "" {
		list = s.engine.Permissions.Pending(sid)
	}
	if list == nil {
		list = []models.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reply models.PermissionReply `json:"reply"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Reply.Valid() {
		writeError(w, http.StatusBadRequest, "reply must be one of once, always, reject")
		return
	}
	if err := s.engine.ReplyPermission(r.Context(), r.PathValue("id"), req.Reply); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	list := s.engine.Questions.All()
	if sid := r.URL.Query().Get("session"); sid != "" {
		list = s.engine.Questions.Pending(sid)
	}
	if list == nil {
		list = []models.QuestionRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) replyQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers [][]string `json:"answers"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ReplyQuestion(r.Context(), r.PathValue("id"), req.Answers); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rejectQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RejectQuestion(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Model ---

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Model())
}

func (s *Server) setModel(w http.ResponseWriter, r *http.Request) {
	var sel models.ModelSelection
	if !decodeBody(w, r, &sel) {
		return
	}
	s.engine.SetModel(sel)
	writeJSON(w, http.StatusOK, s.engine.Model())
}
