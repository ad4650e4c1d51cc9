package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomgate/loomgate/internal/chat"
	"github.com/loomgate/loomgate/internal/core"
	"github.com/loomgate/loomgate/internal/dispatch"
	"github.com/loomgate/loomgate/internal/stream"
)

var errAuthRequired = errors.New("missing bearer credential")

// startGenerationRequest is the one-shot binding's request body, mirroring
// the duplex startGeneration message.
type startGenerationRequest struct {
	RequestID     string            `json:"requestId"`
	Model         string            `json:"model"`
	History       []chat.Message    `json:"history"`
	SystemMessage string            `json:"systemMessage,omitempty"`
	Tools         []chat.ToolSchema `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     int               `json:"maxTokens,omitempty"`
}

// toolResultRequest is the one-shot resume leg's request body.
type toolResultRequest struct {
	ToolCallID string         `json:"toolCallId"`
	Output     map[string]any `json:"output,omitempty"`
}

// handleStartGeneration runs one generation leg, streaming frames to the
// response body as SSE. If the model requests a tool, the executeTool frame
// is the last one on this exchange; the session stays registered and resumes
// via the tool_result endpoint.
func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	ownerID, err := s.authenticate(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, stream.CodeAuthFailed, err.Error())
		return
	}

	var req startGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, stream.CodeBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.RequestID) == "" || strings.TrimSpace(req.Model) == "" || len(req.History) == 0 {
		s.respondError(w, http.StatusBadRequest, stream.CodeBadRequest, "requestId, model and history are required")
		return
	}

	sink := dispatch.NewSSESink(w)
	start := core.StartRequest{
		RequestID: req.RequestID,
		History:   req.History,
		Params: chat.ModelParams{
			Model:             req.Model,
			Temperature:       req.Temperature,
			MaxOutputTokens:   req.MaxTokens,
			SystemInstruction: req.SystemMessage,
			Tools:             req.Tools,
		},
	}
	if err := s.engine.StartGeneration(r.Context(), ownerID, start, sink); err != nil {
		s.logger.Printf("generation failed request_id=%s: %v", req.RequestID, err)
		return
	}
	s.logger.Printf("generation leg done request_id=%s owner=%s total_ms=%d", req.RequestID, ownerID, time.Since(reqStart).Milliseconds())
}

// handleToolResult folds a tool result into a paused session and streams the
// resumed generation leg back as SSE. Logically the same session as the
// original request; physically a fresh exchange.
func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	ownerID, err := s.authenticate(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, stream.CodeAuthFailed, err.Error())
		return
	}

	requestID := chi.URLParam(r, "requestID")
	var req toolResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, stream.CodeBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.ToolCallID) == "" {
		s.respondError(w, http.StatusBadRequest, stream.CodeBadRequest, "toolCallId is required")
		return
	}

	sink := dispatch.NewSSESink(w)
	if err := s.engine.SubmitToolResult(r.Context(), ownerID, requestID, req.ToolCallID, req.Output, sink); err != nil {
		s.logger.Printf("tool result failed request_id=%s: %v", requestID, err)
	}
}
