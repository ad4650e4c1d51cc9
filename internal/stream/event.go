// Package stream defines the canonical, provider-agnostic event taxonomy
// shared by the normalizer, the session registry, and the transport
// dispatcher, plus the wire-level vocabulary exchanged with clients.
package stream

import "github.com/loomgate/loomgate/internal/chat"

// Kind tags one canonical event.
type Kind string

const (
	KindContentDelta   Kind = "content_delta"
	KindReasoningDelta Kind = "reasoning_delta"
	KindToolCallDelta  Kind = "tool_call_delta"
	KindCompleted      Kind = "completed"
	KindFailed         Kind = "failed"
)

// Event is the canonical unit of normalized provider output. Exactly one of
// the payload fields matching Kind is populated. Events for one invocation
// are ordered; a ToolCallDelta is never followed by ContentDelta text that
// logically precedes it.
type Event struct {
	Kind       Kind
	Text       string         // KindContentDelta, KindReasoningDelta
	ToolCall   *chat.ToolCall // KindToolCallDelta
	Completion *Completion    // KindCompleted
	Failure    *Failure       // KindFailed
}

// Completion aggregates everything seen over one provider invocation.
type Completion struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
	Usage     Usage  `json:"usage"`
	// Degraded marks a completion assembled from partial output after the
	// upstream connection failed mid-stream.
	Degraded bool `json:"degraded,omitempty"`
}

// Usage reports token consumption for one invocation. When the provider does
// not report counts they are estimated as ceil(chars/4); the estimate is an
// upper bound, not billing ground truth.
type Usage struct {
	PromptTokens int  `json:"promptTokens"`
	OutputTokens int  `json:"outputTokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Failure is the terminal error payload for one invocation.
type Failure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ContentDelta builds a content event.
func ContentDelta(text string) Event { return Event{Kind: KindContentDelta, Text: text} }

// ReasoningDelta builds a reasoning event.
func ReasoningDelta(text string) Event { return Event{Kind: KindReasoningDelta, Text: text} }

// ToolCallDelta builds a tool-call event.
func ToolCallDelta(call chat.ToolCall) Event {
	return Event{Kind: KindToolCallDelta, ToolCall: &call}
}

// Completed builds the terminal success event.
func Completed(c Completion) Event { return Event{Kind: KindCompleted, Completion: &c} }

// Failed builds the terminal failure event.
func Failed(code, message string) Event {
	return Event{Kind: KindFailed, Failure: &Failure{Code: code, Message: message}}
}

// Terminal reports whether the event ends its invocation.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// EstimateTokens approximates a token count from a character count as
// ceil(chars/4). Explicitly approximate; used only when the provider does not
// report usage.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
