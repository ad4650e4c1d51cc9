// Package httpserver exposes the gateway's endpoints: the one-shot SSE
// generation push, the tool-result resume leg, and the duplex WebSocket
// channel. Handlers are thin orchestrators over the core engine.
package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loomgate/loomgate/internal/core"
	"github.com/loomgate/loomgate/internal/dispatch"
	"github.com/loomgate/loomgate/internal/identity"
	"github.com/loomgate/loomgate/internal/version"
)

// Server exposes REST and WebSocket endpoints for the gateway.
type Server struct {
	engine   *core.Engine
	verifier *identity.Verifier
	logger   *log.Logger
}

// New creates a Server.
func New(engine *core.Engine, verifier *identity.Verifier) *Server {
	return &Server{
		engine:   engine,
		verifier: verifier,
		logger:   log.New(log.Writer(), "[httpserver] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (s *Server) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/generations", s.handleStartGeneration)
	r.Post("/v1/generations/{requestID}/tool_result", s.handleToolResult)
	r.Get("/v1/stream", s.handleStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Info(),
	})
}

// handleStream upgrades to the multiplexed duplex channel.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	dispatch.ServeDuplex(w, r, s.engine, s.verifier, s.logger)
}

// authenticate resolves the bearer credential into an owner id.
func (s *Server) authenticate(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	credential := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if credential == "" || credential == header {
		return "", errAuthRequired
	}
	return s.verifier.Verify(credential)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response failed: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, map[string]string{"code": code, "message": message})
}
