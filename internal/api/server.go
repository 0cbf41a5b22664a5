package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proctor/internal/anticheat"
	"proctor/internal/realtime"
	"proctor/internal/session"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Server is the teacher-facing REST surface: session listing, admin
// actions and aggregate statistics. It carries no business logic.
type Server struct {
	sessions    *session.Manager
	engine      *anticheat.Engine
	coordinator *realtime.Coordinator
	store       interfaces.SessionStore
	router      *http.ServeMux
}

func NewServer(sessions *session.Manager, engine *anticheat.Engine, coordinator *realtime.Coordinator, store interfaces.SessionStore) *Server {
	s := &Server{
		sessions:    sessions,
		engine:      engine,
		coordinator: coordinator,
		store:       store,
		router:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/api/statistics", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStatistics))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SessionDetail is the single-session response, with monitoring state
// when the student is currently connected.
type SessionDetail struct {
	Session    *types.Session          `json:"session"`
	Monitoring *anticheat.StudentStats `json:"monitoring,omitempty"`
	Warnings   []types.Warning         `json:"warnings,omitempty"`
}

type ExtendRequest struct {
	Minutes int `json:"minutes"`
}

type ClearRequest struct {
	ClearedBy string `json:"clearedBy"`
}

// GET /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		views := s.sessions.ActiveSessions(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"sessions": views})
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// /api/sessions/{id} and its action sub-paths.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if sessionID == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	if len(parts) > 1 && parts[1] != "" {
		if r.Method != http.MethodPost {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "extend":
			s.extendSession(w, r, sessionID)
		case "clear":
			s.clearSession(w, r, sessionID)
		default:
			s.sendError(w, "Unknown action", http.StatusNotFound)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getSession(w, r, sessionID)
	case http.MethodDelete:
		s.endSession(w, r, sessionID)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		loaded, err := s.store.Load(r.Context(), sessionID)
		if err != nil {
			s.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		sess = loaded
	}

	detail := SessionDetail{Session: sess}
	if stats, live := s.engine.Stats(sessionID); live {
		detail.Monitoring = &stats
		detail.Warnings = s.engine.ActiveWarnings(sessionID)
	}
	_ = json.NewEncoder(w).Encode(detail)
}

// DELETE /api/sessions/{id} terminates a session on teacher authority.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	done, err := s.coordinator.Terminate(r.Context(), sessionID)
	if err != nil {
		log.Printf("api: end session failed id=%s err=%v", sessionID, err)
		s.sendError(w, "Failed to end session", http.StatusInternalServerError)
		return
	}
	if !done {
		s.sendError(w, "Session not found or already ended", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Session ended"})
}

// POST /api/sessions/{id}/extend
func (s *Server) extendSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Allow ?minutes=N for convenience from dashboards.
		m, convErr := strconv.Atoi(r.URL.Query().Get("minutes"))
		if convErr != nil {
			s.sendError(w, "Invalid extend request", http.StatusBadRequest)
			return
		}
		req.Minutes = m
	}

	err := s.coordinator.ExtendTime(r.Context(), sessionID, req.Minutes)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.sendError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrSessionTerminal):
		s.sendError(w, "Session already ended", http.StatusConflict)
	case errors.Is(err, session.ErrInvalidExtension):
		s.sendError(w, "Minutes must be positive", http.StatusBadRequest)
	case err != nil:
		log.Printf("api: extend failed id=%s err=%v", sessionID, err)
		s.sendError(w, "Failed to extend session", http.StatusInternalServerError)
	default:
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message": fmt.Sprintf("Extended by %d minutes", req.Minutes),
		})
	}
}

// POST /api/sessions/{id}/clear removes a session so the student can
// start over. The acting teacher is recorded for the audit trail.
func (s *Server) clearSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req ClearRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ClearedBy == "" {
		req.ClearedBy = "teacher"
	}

	if err := s.sessions.Clear(r.Context(), sessionID, req.ClearedBy); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		log.Printf("api: clear failed id=%s err=%v", sessionID, err)
		s.sendError(w, "Failed to clear session", http.StatusInternalServerError)
		return
	}
	s.engine.Cleanup(sessionID)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Session cleared"})
}

// GET /api/statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions":    s.sessions.ActiveSessions(r.Context()),
		"monitoring":  s.engine.Overall(),
		"connections": s.coordinator.Snapshot(r.Context()),
	})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"database":    dbStatus,
		"connections": s.coordinator.Snapshot(ctx),
		"timestamp":   time.Now(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
