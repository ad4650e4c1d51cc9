package chat

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is one piece of message content: plain text, inline binary data with a
// MIME type, or a tool-execution result.
type Part struct {
	Text       string      `json:"text,omitempty"`
	Data       []byte      `json:"data,omitempty"`
	MIMEType   string      `json:"mimeType,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// Message is one entry in a conversation history.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the plain-text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// ToolCall is a structured request, embedded in model output, for an
// externally executed action. The ID correlates the call, its client-side
// execution, and the result message appended to the history.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult carries the output of one executed tool call back into the
// conversation as a tool-role message part.
type ToolResult struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Output map[string]any `json:"output,omitempty"`
}

// ToolSchema declares one tool the model may call: its name, a description,
// and the JSON-schema-shaped parameter declaration forwarded to the provider.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ModelParams holds the generation parameters fixed for a session's lifetime.
type ModelParams struct {
	Model             string       `json:"model"`
	Temperature       *float64     `json:"temperature,omitempty"`
	MaxOutputTokens   int          `json:"maxOutputTokens,omitempty"`
	SystemInstruction string       `json:"systemInstruction,omitempty"`
	Tools             []ToolSchema `json:"tools,omitempty"`
}
