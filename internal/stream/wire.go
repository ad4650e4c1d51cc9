package stream

import "github.com/loomgate/loomgate/internal/chat"

// Server-to-client frame types. Every frame except the connection-lifecycle
// ones carries the requestId it belongs to.
const (
	FrameConnectionEstablished = "connection.established"
	FrameAuthSuccess           = "auth.success"
	FrameAuthFailure           = "auth.failure"
	FrameStart                 = "start"
	FrameContent               = "content"
	FrameReasoning             = "reasoning"
	FrameExecuteTool           = "executeTool"
	FrameDone                  = "done"
	FrameError                 = "error"
)

// Client-to-server message types.
const (
	MsgAuthInitiate     = "auth.initiate"
	MsgStartGeneration  = "startGeneration"
	MsgSubmitToolResult = "submitToolResult"
)

// Error codes carried by FrameError.
const (
	CodeAuthRequired        = "auth_required"
	CodeAuthFailed          = "auth_failed"
	CodeNotOwner            = "not_owner"
	CodeNotFound            = "not_found"
	CodeInsufficientBalance = "insufficient_balance"
	CodeDuplicateRequest    = "duplicate_request"
	CodeUnknownToolCall     = "unknown_tool_call"
	CodeProviderError       = "provider_error"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal_error"
)

// Frame is the transport-agnostic server-to-client envelope, delivered as-is
// over both the one-shot SSE binding and the duplex channel.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// FrameContent / FrameReasoning
	Text string `json:"text,omitempty"`

	// FrameExecuteTool
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// FrameDone
	FinalText string `json:"finalText,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`

	// FrameError / FrameAuthFailure
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// Credit amounts for CodeInsufficientBalance.
	Remaining *int64 `json:"remaining,omitempty"`
	Required  *int64 `json:"required,omitempty"`
}

// ErrorFrame builds a FrameError for a request.
func ErrorFrame(requestID, code, message string) Frame {
	return Frame{Type: FrameError, RequestID: requestID, Code: code, Message: message}
}

// ClientMessage is the client-to-server envelope read from the duplex channel.
// Type selects which field group is meaningful.
type ClientMessage struct {
	Type string `json:"type"`

	// MsgAuthInitiate
	Credential string `json:"credential,omitempty"`

	// MsgStartGeneration
	RequestID     string            `json:"requestId,omitempty"`
	Model         string            `json:"model,omitempty"`
	History       []chat.Message    `json:"history,omitempty"`
	SystemMessage string            `json:"systemMessage,omitempty"`
	Tools         []chat.ToolSchema `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     int               `json:"maxTokens,omitempty"`

	// MsgSubmitToolResult
	ToolCallID string         `json:"toolCallId,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}
