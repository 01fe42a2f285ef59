// Package server exposes the chat pipeline over HTTP: bearer auth,
// scope checks, rate limiting, and the /chat surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/orchestration"
	"github.com/yukie-ai/yukie/registry"
	"github.com/yukie-ai/yukie/security"
)

// ScopeChat is required to call /chat.
const ScopeChat = "yukie:chat"

const maxMessageLen = 10000

// Server wires the HTTP surface to the pipeline. All dependencies are
// injected; construct once at startup.
type Server struct {
	pipeline      *orchestration.Pipeline
	registry      *registry.ServiceRegistry
	verifier      *auth.TokenVerifier
	limiter       *auth.RateLimiter
	confirmations *security.ConfirmationGate
	audit         *security.AuditLog

	logger core.Logger
	router chi.Router
}

// New assembles the server and its routes.
func New(pipeline *orchestration.Pipeline, reg *registry.ServiceRegistry, verifier *auth.TokenVerifier, limiter *auth.RateLimiter) *Server {
	s := &Server{
		pipeline: pipeline,
		registry: reg,
		verifier: verifier,
		limiter:  limiter,
		logger:   &core.NoOpLogger{},
	}
	s.router = s.buildRouter()
	return s
}

// SetLogger sets the logger provider.
func (s *Server) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

// SetConfirmations exposes the confirmation gate on the HTTP surface.
func (s *Server) SetConfirmations(gate *security.ConfirmationGate) {
	s.confirmations = gate
}

// SetAudit wires the audit log for the admin query endpoint.
func (s *Server) SetAudit(audit *security.AuditLog) {
	s.audit = audit
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.recoverPanic)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/auth/me", s.handleAuthMe)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeChat))
			r.Use(s.rateLimit(auth.BucketChat))
			r.Post("/chat", s.handleChat)
		})

		r.Post("/confirmations/{id}", s.handleConfirmationRespond)
		r.Get("/confirmations/{id}", s.handleConfirmationStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.AdminScope))
			r.Get("/services", s.handleServices)
			r.Get("/audit", s.handleAudit)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message, stage, detail string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message, Stage: stage, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "time": time.Now().UTC()})
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId": authCtx.UserID,
		"scopes": authCtx.Scopes,
	})
}

// handleLogout clears session cookies for cookie-fronted deployments.
// Bearer tokens are stateless; there is nothing server-side to revoke.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type chatBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", "", err.Error())
		return
	}
	if n := utf8.RuneCountInString(body.Message); n == 0 || n > maxMessageLen {
		writeError(w, http.StatusBadRequest, "bad_request", "message must be 1..10000 characters", "", "")
		return
	}

	authCtx := authFromContext(r.Context())
	resp, err := s.pipeline.ProcessChat(r.Context(), authCtx, &orchestration.ChatRequest{
		Message:        body.Message,
		ConversationID: body.ConversationID,
		Model:          body.Model,
	})
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *orchestration.PlanRejectedError
	if errors.As(err, &rejected) {
		if errors.Is(err, core.ErrMissingScope) {
			writeError(w, http.StatusForbidden, "forbidden", "missing required scope", "", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "validation_error", "the request could not be planned", "", err.Error())
		return
	}

	stage := orchestration.StageProcessChat
	var staged *orchestration.StageError
	if errors.As(err, &staged) {
		stage = staged.Stage
	}

	s.logger.Error("Chat request failed", map[string]interface{}{
		"operation":  "handle_chat",
		"stage":      stage,
		"error":      err.Error(),
		"request_id": requestIDFromContext(r.Context()),
	})
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to process the message", stage, err.Error())
}

type confirmationBody struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleConfirmationRespond(w http.ResponseWriter, r *http.Request) {
	if s.confirmations == nil {
		writeError(w, http.StatusNotFound, "not_found", "confirmations are not enabled", "", "")
		return
	}
	var body confirmationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", "", err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	req, err := s.confirmations.Respond(r.Context(), id, body.Confirmed, body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrConfirmationNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown confirmation", "", "")
		case errors.Is(err, core.ErrConfirmationExpired):
			writeError(w, http.StatusConflict, "expired", "the confirmation has expired", "", "")
		default:
			writeError(w, http.StatusConflict, "conflict", err.Error(), "", "")
		}
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleConfirmationStatus(w http.ResponseWriter, r *http.Request) {
	if s.confirmations == nil {
		writeError(w, http.StatusNotFound, "not_found", "confirmations are not enabled", "", "")
		return
	}
	req, err := s.confirmations.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown confirmation", "", "")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": s.registry.GetAll(),
		"stats":    s.registry.GetStats(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit log is not enabled", "", "")
		return
	}
	filter := security.AuditFilter{
		UserID: r.URL.Query().Get("userId"),
		Kind:   security.AuditKind(r.URL.Query().Get("kind")),
		Limit:  100,
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.audit.Query(filter),
		"stats":   s.audit.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline":  s.pipeline.Stats(),
		"planCache": s.pipeline.PlanCache().Stats(),
		"registry":  s.registry.GetStats(),
		"history":   s.pipeline.History(50),
	})
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down with a bounded drain.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"operation": "serve",
		"addr":      addr,
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
