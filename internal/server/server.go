// Package server exposes the engine's outer surface: the WebSocket sync
// endpoint, the session validation endpoint, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianworks/worldsync/internal/auth"
	"github.com/meridianworks/worldsync/internal/events"
	"github.com/meridianworks/worldsync/internal/metrics"
	"github.com/meridianworks/worldsync/internal/session"
)

// QueryGateway executes read-only queries on behalf of an agent. The engine
// ships without an implementation; embedders plug one in.
type QueryGateway interface {
	Execute(ctx context.Context, agentID, query string, params []any) (json.RawMessage, error)
}

// Server holds the handlers' collaborators.
type Server struct {
	gateway   *auth.Gateway
	sessions  *session.Registry
	publisher events.Publisher
	collector *metrics.Collector
	queries   QueryGateway
	logger    *slog.Logger
}

// NewServer returns a server. queries may be nil, in which case query
// frames fail with an execution error.
func NewServer(gateway *auth.Gateway, sessions *session.Registry, publisher events.Publisher, collector *metrics.Collector, queries QueryGateway, logger *slog.Logger) *Server {
	return &Server{
		gateway:   gateway,
		sessions:  sessions,
		publisher: publisher,
		collector: collector,
		queries:   queries,
		logger:    logger,
	}
}

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/auth/session/validate", s.handleValidateSession)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidateSession handles POST /v1/auth/session/validate. A valid
// token mints a session the same way the sync endpoint does.
func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusUnauthorized, "missing provider")
		return
	}

	identity, err := s.gateway.Authenticate(r.Context(), req.Provider, req.Token)
	if err != nil {
		if authFailure(err) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.logger.Error("session validation failed", "provider", req.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.publishSessionStarted(r.Context(), identity, req.Provider)
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) publishSessionStarted(ctx context.Context, identity *auth.Identity, provider string) {
	if err := s.publisher.Publish(ctx, events.TopicSessionStarted, events.SessionStarted{
		SessionID: identity.SessionID,
		AgentID:   identity.AgentID,
		Provider:  provider,
	}); err != nil {
		s.logger.Warn("publish session started", "session", identity.SessionID, "error", err)
	}
}

// authFailure reports whether err is a credential problem rather than an
// internal fault.
func authFailure(err error) bool {
	return errors.Is(err, auth.ErrUnknownProvider) ||
		errors.Is(err, auth.ErrMalformedToken) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, auth.ErrInvalidSignature) ||
		errors.Is(err, auth.ErrUnreadableClaims)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
