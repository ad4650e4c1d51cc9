package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomgate/loomgate/internal/chat"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config with all fields",
			cfg: Config{
				APIKey:  "key-123",
				BaseURL: "https://example.test",
			},
			wantErr: false,
		},
		{
			name:    "valid config with minimal fields",
			cfg:     Config{APIKey: "key-123"},
			wantErr: false,
		},
		{
			name:    "missing api key",
			cfg:     Config{BaseURL: "https://example.test"},
			wantErr: true,
			errMsg:  "api key required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewClient() expected error but got nil")
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Fatalf("NewClient() error = %v, want error containing %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient() unexpected error = %v", err)
			}
			if client == nil {
				t.Fatal("NewClient() returned nil client")
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	temp := 0.4
	params := chat.ModelParams{
		Model:             "m-1",
		Temperature:       &temp,
		MaxOutputTokens:   256,
		SystemInstruction: "be terse",
		Tools: []chat.ToolSchema{{
			Name:        "search",
			Description: "web search",
			Parameters:  map[string]any{"type": "object"},
		}},
	}
	history := []chat.Message{
		chat.TextMessage(chat.RoleUser, "hi"),
		chat.TextMessage(chat.RoleAssistant, "hello"),
		{Role: chat.RoleTool, Parts: []chat.Part{{ToolResult: &chat.ToolResult{
			CallID: "call_1",
			Name:   "search",
			Output: map[string]any{"result": "y"},
		}}}},
	}

	payload, err := buildRequest(params, history)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}

	contents, ok := payload["contents"].([]map[string]any)
	if !ok || len(contents) != 3 {
		t.Fatalf("contents = %v", payload["contents"])
	}
	if contents[0]["role"] != "user" || contents[1]["role"] != "model" || contents[2]["role"] != "user" {
		t.Fatalf("roles = %v %v %v", contents[0]["role"], contents[1]["role"], contents[2]["role"])
	}

	toolParts, ok := contents[2]["parts"].([]map[string]any)
	if !ok || len(toolParts) != 1 {
		t.Fatalf("tool message parts = %v", contents[2]["parts"])
	}
	fr, ok := toolParts[0]["functionResponse"].(map[string]any)
	if !ok || fr["name"] != "search" {
		t.Fatalf("functionResponse = %v", toolParts[0])
	}

	if _, ok := payload["systemInstruction"]; !ok {
		t.Fatal("systemInstruction missing")
	}
	if _, ok := payload["tools"]; !ok {
		t.Fatal("tools missing")
	}
	gen, ok := payload["generationConfig"].(map[string]any)
	if !ok || gen["temperature"] != 0.4 || gen["maxOutputTokens"] != 256 {
		t.Fatalf("generationConfig = %v", payload["generationConfig"])
	}
}

func TestBuildRequestRejectsEmptyMessage(t *testing.T) {
	_, err := buildRequest(chat.ModelParams{Model: "m"}, []chat.Message{{Role: chat.RoleUser}})
	if err == nil {
		t.Fatal("expected error for message without parts")
	}
}

func TestGenerateStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode upstream request: %v", err)
		}
		if _, ok := req["contents"]; !ok {
			t.Error("upstream request missing contents")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"candidates\":[]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	body, err := client.Generate(context.Background(), chat.ModelParams{Model: "m-1"}, []chat.Message{chat.TextMessage(chat.RoleUser, "hi")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(data), "[DONE]") {
		t.Fatalf("body = %q", string(data))
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Generate(context.Background(), chat.ModelParams{Model: "m-1"}, []chat.Message{chat.TextMessage(chat.RoleUser, "hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error = %v", err)
	}
}

func TestPromptChars(t *testing.T) {
	history := []chat.Message{
		chat.TextMessage(chat.RoleUser, "1234"),
		{Role: chat.RoleTool, Parts: []chat.Part{{ToolResult: &chat.ToolResult{
			CallID: "c", Name: "t", Output: map[string]any{"k": "v"},
		}}}},
	}
	got := PromptChars(history)
	// 4 text chars plus the serialized output {"k":"v"} = 9 chars
	if got != 13 {
		t.Fatalf("PromptChars() = %d, want 13", got)
	}
}
