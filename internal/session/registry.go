// Package session holds the authoritative in-memory table of in-flight and
// paused generations, keyed by request id.
package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/loomgate/loomgate/internal/chat"
)

var (
	// ErrExists is returned by Register when the request id is already tracked.
	ErrExists = errors.New("session: request id already registered")
	// ErrNotFound is returned when the request id is not tracked. Absence is a
	// normal outcome (the session completed or was cleaned up), not a fault.
	ErrNotFound = errors.New("session: not found")
	// ErrUnknownToolCall is returned by AddToolResult when the tool-call id is
	// not pending: already resolved or never issued. The primary guard against
	// double submission.
	ErrUnknownToolCall = errors.New("session: unknown or already resolved tool call")
	// ErrToolCallsPending is returned by Resume while tool calls remain
	// unresolved.
	ErrToolCallsPending = errors.New("session: tool calls still pending")
)

// Session is one in-flight or paused generation. Values handed out by the
// Registry are copies; all mutation goes through Registry methods.
type Session struct {
	RequestID string
	OwnerID   string
	History   []chat.Message
	Params    chat.ModelParams
	Pending   map[string]chat.ToolCall
	Paused    bool
}

// Resumable reports whether the session may be re-invoked against the
// provider. Re-invoking a session that is not paused is a caller error.
func (s Session) Resumable() bool { return s.Paused }

type entry struct {
	ownerID string
	history []chat.Message
	params  chat.ModelParams
	pending map[string]chat.ToolCall
	paused  bool
	cancel  context.CancelFunc
}

// Registry is the single authoritative map from request id to session state.
// Constructed once at startup and injected; it tracks state only and never
// drives provider execution itself.
//
// Methods hold the mutex across each read-modify-write and never block under
// it, so concurrent operations on the same session cannot interleave between
// reading pendingToolCalls and writing it back.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	logger   *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		logger:   log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (r *Registry) SetLogger(logger *log.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register creates a new session. Fails with ErrExists when the request id is
// already tracked; callers must generate unique ids.
func (r *Registry) Register(requestID, ownerID string, history []chat.Message, params chat.ModelParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[requestID]; ok {
		r.logger.Printf("register rejected: duplicate request_id=%s", requestID)
		return ErrExists
	}
	r.sessions[requestID] = &entry{
		ownerID: ownerID,
		history: copyHistory(history),
		params:  params,
		pending: make(map[string]chat.ToolCall),
	}
	r.logger.Printf("register request_id=%s owner=%s history_len=%d model=%s", requestID, ownerID, len(history), params.Model)
	return nil
}

// Get returns a copy of the session, if tracked.
func (r *Registry) Get(requestID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	if !ok {
		return Session{}, false
	}
	return r.snapshot(requestID, e), true
}

// SetCancel attaches the cancel function for the session's in-flight upstream
// read loop so CleanupForOwner and Remove can abort it.
func (r *Registry) SetCancel(requestID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	if !ok {
		return ErrNotFound
	}
	e.cancel = cancel
	return nil
}

// TrackToolCall records an outstanding tool call and pauses the session.
// Idempotent per tool-call id: re-tracking the same id updates its parameters
// rather than duplicating.
func (r *Registry) TrackToolCall(requestID string, call chat.ToolCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	if !ok {
		return ErrNotFound
	}
	e.pending[call.ID] = call
	e.paused = true
	r.logger.Printf("track_tool_call request_id=%s call_id=%s name=%s pending=%d", requestID, call.ID, call.Name, len(e.pending))
	return nil
}

// AddToolResult resolves one pending tool call: appends a tool-role message
// carrying the output and removes the pending entry. Returns the updated
// history. Fails with ErrUnknownToolCall for an id that is not pending,
// without mutating any state.
func (r *Registry) AddToolResult(requestID, toolCallID string, output map[string]any) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	call, ok := e.pending[toolCallID]
	if !ok {
		r.logger.Printf("add_tool_result rejected: request_id=%s call_id=%s not pending", requestID, toolCallID)
		return nil, ErrUnknownToolCall
	}
	delete(e.pending, toolCallID)
	e.history = append(e.history, chat.Message{
		Role: chat.RoleTool,
		Parts: []chat.Part{{ToolResult: &chat.ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Output: output,
		}}},
	})
	r.logger.Printf("add_tool_result request_id=%s call_id=%s pending=%d", requestID, toolCallID, len(e.pending))
	return copyHistory(e.history), nil
}

// AppendAssistantText records assistant output produced by a completed
// provider leg so a later resume re-sends the full conversation.
func (r *Registry) AppendAssistantText(requestID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	if !ok {
		return ErrNotFound
	}
	if text != "" {
		e.history = append(e.history, chat.TextMessage(chat.RoleAssistant, text))
	}
	return nil
}

// Resume clears the paused flag once every pending tool call has been
// resolved. It does not re-invoke the provider; that is the orchestrator's
// job.
func (r *Registry) Resume(requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	if !ok {
		return ErrNotFound
	}
	if len(e.pending) > 0 {
		return ErrToolCallsPending
	}
	e.paused = false
	r.logger.Printf("resume request_id=%s", requestID)
	return nil
}

// ValidateOwner reports whether callerID owns the session. Returns false for
// unknown request ids as well; callers needing to distinguish authorization
// failure from absence should Get first.
func (r *Registry) ValidateOwner(requestID, callerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[requestID]
	return ok && e.ownerID == callerID
}

// Remove deletes the session and cancels any in-flight upstream read.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	e, ok := r.sessions[requestID]
	if ok {
		delete(r.sessions, requestID)
	}
	r.mu.Unlock()
	if ok {
		if e.cancel != nil {
			e.cancel()
		}
		r.logger.Printf("remove request_id=%s", requestID)
	}
}

// CleanupForOwner removes every session belonging to the owner, cancelling
// their upstream reads, and returns the removed request ids. Used when the
// owner's transport connection drops so a stray late event cannot resurrect
// them.
func (r *Registry) CleanupForOwner(ownerID string) []string {
	r.mu.Lock()
	var removed []string
	var cancels []context.CancelFunc
	for id, e := range r.sessions {
		if e.ownerID == ownerID {
			removed = append(removed, id)
			if e.cancel != nil {
				cancels = append(cancels, e.cancel)
			}
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(removed) > 0 {
		r.logger.Printf("cleanup owner=%s removed=%d", ownerID, len(removed))
	}
	return removed
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain removes every session at shutdown, cancelling in-flight reads.
func (r *Registry) Drain() {
	r.mu.Lock()
	var cancels []context.CancelFunc
	n := len(r.sessions)
	for id, e := range r.sessions {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if n > 0 {
		r.logger.Printf("drain removed=%d", n)
	}
}

func (r *Registry) snapshot(requestID string, e *entry) Session {
	pending := make(map[string]chat.ToolCall, len(e.pending))
	for id, c := range e.pending {
		pending[id] = c
	}
	return Session{
		RequestID: requestID,
		OwnerID:   e.ownerID,
		History:   copyHistory(e.history),
		Params:    e.params,
		Pending:   pending,
		Paused:    e.paused,
	}
}

func copyHistory(history []chat.Message) []chat.Message {
	out := make([]chat.Message, len(history))
	copy(out, history)
	return out
}
