// Package core orchestrates one generation: credit check, session
// registration, provider invocation, normalization, and event delivery,
// including the tool-call pause/resume loop.
package core

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/loomgate/loomgate/internal/chat"
	"github.com/loomgate/loomgate/internal/credit"
	"github.com/loomgate/loomgate/internal/provider"
	"github.com/loomgate/loomgate/internal/session"
	"github.com/loomgate/loomgate/internal/stream"
)

// ProviderAPI defines the contract the engine expects from the upstream
// model provider client. Resuming a paused session is a fresh call with the
// updated history.
type ProviderAPI interface {
	Generate(ctx context.Context, params chat.ModelParams, history []chat.Message) (io.ReadCloser, error)
}

// StreamNormalizer turns one raw provider response into canonical events.
type StreamNormalizer interface {
	Normalize(ctx context.Context, body io.ReadCloser, promptChars int) <-chan stream.Event
}

// EventSink delivers wire frames to one client destination, in order.
type EventSink interface {
	Send(frame stream.Frame) error
}

// Recorder persists usage after a completed invocation. Optional.
type Recorder interface {
	Record(ctx context.Context, entry credit.Entry) error
}

// Engine wires the registry, credit gate, provider, and normalizer together.
// Constructed once at startup and injected into the transports.
type Engine struct {
	registry   *session.Registry
	gate       credit.Gate
	recorder   Recorder
	provider   ProviderAPI
	normalizer StreamNormalizer
	logger     *log.Logger
}

// NewEngine creates an Engine. recorder may be nil when usage is metered
// elsewhere.
func NewEngine(registry *session.Registry, gate credit.Gate, recorder Recorder, providerAPI ProviderAPI, normalizer StreamNormalizer) *Engine {
	return &Engine{
		registry:   registry,
		gate:       gate,
		recorder:   recorder,
		provider:   providerAPI,
		normalizer: normalizer,
		logger:     log.New(log.Writer(), "[core] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (e *Engine) SetLogger(logger *log.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Registry exposes the session registry for transport cleanup hooks.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// StartRequest describes one new generation.
type StartRequest struct {
	RequestID string
	History   []chat.Message
	Params    chat.ModelParams
}

// StartGeneration runs the initial leg of a generation: gate check, session
// registration, provider invocation, and event delivery until the leg ends
// with a completion, a failure, or an outstanding tool call. Every failure
// mode is reported to the sink as exactly one error frame; the returned error
// is for transport logging only.
func (e *Engine) StartGeneration(ctx context.Context, ownerID string, req StartRequest, sink EventSink) error {
	cost := int64(stream.EstimateTokens(provider.PromptChars(req.History)))
	decision, err := e.gate.CheckBalance(ctx, ownerID, cost)
	if err != nil {
		e.logger.Printf("start_generation gate error request_id=%s: %v", req.RequestID, err)
		_ = sink.Send(stream.ErrorFrame(req.RequestID, stream.CodeInternal, "credit check failed"))
		return err
	}
	if !decision.Allowed {
		e.logger.Printf("start_generation declined request_id=%s owner=%s required=%d remaining=%d", req.RequestID, ownerID, cost, decision.Remaining)
		frame := stream.ErrorFrame(req.RequestID, stream.CodeInsufficientBalance, "insufficient balance")
		frame.Remaining = &decision.Remaining
		frame.Required = &cost
		_ = sink.Send(frame)
		return nil
	}

	if err := e.registry.Register(req.RequestID, ownerID, req.History, req.Params); err != nil {
		if errors.Is(err, session.ErrExists) {
			_ = sink.Send(stream.ErrorFrame(req.RequestID, stream.CodeDuplicateRequest, "request id already in use"))
			return nil
		}
		_ = sink.Send(stream.ErrorFrame(req.RequestID, stream.CodeInternal, "session registration failed"))
		return err
	}

	_ = sink.Send(stream.Frame{Type: stream.FrameStart, RequestID: req.RequestID})
	return e.runLeg(ctx, req.RequestID, sink)
}

// SubmitToolResult folds a tool execution result back into the session and,
// once no calls remain outstanding, resumes the generation with a fresh
// provider invocation. The gate is consulted before the final result is
// consumed, so a declined balance leaves the call pending and the same
// submission can be retried once the balance is restored.
func (e *Engine) SubmitToolResult(ctx context.Context, callerID, requestID, toolCallID string, output map[string]any, sink EventSink) error {
	sess, ok := e.registry.Get(requestID)
	if !ok {
		_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeNotFound, "session not found"))
		return nil
	}
	// Authorization failure is reported distinctly from absence.
	if !e.registry.ValidateOwner(requestID, callerID) {
		e.logger.Printf("submit_tool_result rejected request_id=%s caller=%s: not owner", requestID, callerID)
		_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeNotOwner, "caller does not own this session"))
		return nil
	}

	// This result is the last one outstanding, so accepting it triggers a
	// provider invocation: consult the gate first. The charging policy across
	// resume steps belongs to the gate.
	if _, pending := sess.Pending[toolCallID]; pending && len(sess.Pending) == 1 {
		projected := append(sess.History, chat.Message{
			Role:  chat.RoleTool,
			Parts: []chat.Part{{ToolResult: &chat.ToolResult{Output: output}}},
		})
		cost := int64(stream.EstimateTokens(provider.PromptChars(projected)))
		decision, err := e.gate.CheckBalance(ctx, sess.OwnerID, cost)
		if err != nil {
			_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeInternal, "credit check failed"))
			return err
		}
		if !decision.Allowed {
			// The result was not consumed: the call stays pending, the session
			// stays paused, and the client may retry the same submission later.
			e.logger.Printf("resume declined request_id=%s owner=%s required=%d remaining=%d", requestID, sess.OwnerID, cost, decision.Remaining)
			frame := stream.ErrorFrame(requestID, stream.CodeInsufficientBalance, "insufficient balance")
			frame.Remaining = &decision.Remaining
			frame.Required = &cost
			_ = sink.Send(frame)
			return nil
		}
	}

	if _, err := e.registry.AddToolResult(requestID, toolCallID, output); err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownToolCall):
			_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeUnknownToolCall, "unknown or already resolved tool call"))
		case errors.Is(err, session.ErrNotFound):
			_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeNotFound, "session not found"))
		default:
			_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeInternal, "tool result rejected"))
		}
		return nil
	}

	// Other calls still outstanding: hold the session paused until the client
	// reports the rest.
	if after, ok := e.registry.Get(requestID); ok && len(after.Pending) > 0 {
		e.logger.Printf("submit_tool_result request_id=%s call_id=%s waiting for %d more", requestID, toolCallID, len(after.Pending))
		return nil
	}

	if err := e.registry.Resume(requestID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeNotFound, "session not found"))
			return nil
		}
		_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeInternal, "resume failed"))
		return err
	}
	return e.runLeg(ctx, requestID, sink)
}

// runLeg drives one provider invocation for the session: invoke, normalize,
// deliver. A tool call pauses the session and ends the leg; a terminal event
// with nothing outstanding removes it.
func (e *Engine) runLeg(ctx context.Context, requestID string, sink EventSink) error {
	sess, ok := e.registry.Get(requestID)
	if !ok {
		_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeNotFound, "session not found"))
		return nil
	}

	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	_ = e.registry.SetCancel(requestID, cancel)

	body, err := e.provider.Generate(legCtx, sess.Params, sess.History)
	if err != nil {
		e.logger.Printf("provider invoke failed request_id=%s: %v", requestID, err)
		_ = sink.Send(stream.ErrorFrame(requestID, stream.CodeProviderError, err.Error()))
		e.registry.Remove(requestID)
		return err
	}

	events := e.normalizer.Normalize(legCtx, body, provider.PromptChars(sess.History))
	var completion *stream.Completion
	for ev := range events {
		switch ev.Kind {
		case stream.KindContentDelta:
			if err := sink.Send(stream.Frame{Type: stream.FrameContent, RequestID: requestID, Text: ev.Text}); err != nil {
				return e.abortLeg(requestID, cancel, events, err)
			}
		case stream.KindReasoningDelta:
			if err := sink.Send(stream.Frame{Type: stream.FrameReasoning, RequestID: requestID, Text: ev.Text}); err != nil {
				return e.abortLeg(requestID, cancel, events, err)
			}
		case stream.KindToolCallDelta:
			if err := e.registry.TrackToolCall(requestID, *ev.ToolCall); err != nil {
				e.logger.Printf("track tool call failed request_id=%s: %v", requestID, err)
				continue
			}
			frame := stream.Frame{
				Type:       stream.FrameExecuteTool,
				RequestID:  requestID,
				ToolCallID: ev.ToolCall.ID,
				ToolName:   ev.ToolCall.Name,
				Parameters: ev.ToolCall.Args,
			}
			if err := sink.Send(frame); err != nil {
				return e.abortLeg(requestID, cancel, events, err)
			}
		case stream.KindCompleted:
			completion = ev.Completion
		case stream.KindFailed:
			_ = sink.Send(stream.ErrorFrame(requestID, ev.Failure.Code, ev.Failure.Message))
			e.registry.Remove(requestID)
			return nil
		}
	}

	if completion == nil {
		// The normalizer guarantees a terminal event; reaching here means the
		// leg context was torn down during cleanup.
		return nil
	}

	e.recordUsage(ctx, sess.OwnerID, requestID, completion)
	_ = e.registry.AppendAssistantText(requestID, completion.Text)

	if after, ok := e.registry.Get(requestID); ok && len(after.Pending) > 0 {
		// Paused: the leg ends here; resumption happens via SubmitToolResult,
		// possibly over a different connection.
		e.logger.Printf("leg paused request_id=%s pending=%d", requestID, len(after.Pending))
		return nil
	}

	frame := stream.Frame{
		Type:      stream.FrameDone,
		RequestID: requestID,
		FinalText: completion.Text,
		Reasoning: completion.Reasoning,
		Usage:     &completion.Usage,
		Degraded:  completion.Degraded,
	}
	_ = sink.Send(frame)
	e.registry.Remove(requestID)
	return nil
}

// abortLeg handles a sink write failure: the client destination is gone, so
// cancel the upstream read, drain the normalizer, and drop the session.
func (e *Engine) abortLeg(requestID string, cancel context.CancelFunc, events <-chan stream.Event, cause error) error {
	e.logger.Printf("sink write failed request_id=%s: %v", requestID, cause)
	cancel()
	for range events {
	}
	e.registry.Remove(requestID)
	return cause
}

func (e *Engine) recordUsage(ctx context.Context, ownerID, requestID string, c *stream.Completion) {
	if e.recorder == nil {
		return
	}
	entry := credit.Entry{
		OwnerID:      ownerID,
		RequestID:    requestID,
		PromptTokens: int64(c.Usage.PromptTokens),
		OutputTokens: int64(c.Usage.OutputTokens),
		Estimated:    c.Usage.Estimated,
		Memo:         "generation",
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.Printf("record usage failed request_id=%s: %v", requestID, err)
	}
}
