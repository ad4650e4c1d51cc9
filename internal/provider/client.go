// Package provider talks to the upstream model provider: issuing streaming
// generation requests and normalizing the raw chunked wire format into the
// canonical event sequence.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomgate/loomgate/internal/chat"
)

// Client issues streaming generateContent calls against the upstream
// provider. Resuming a paused session is a fresh call with the updated
// history, not a continuation of the original connection.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the upstream client.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	RequestTimeout time.Duration
}

// NewClient creates a Client instance.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second // generation may run long
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate sends one streaming generation request and returns the raw SSE
// body for the normalizer to consume. The caller owns closing the body.
func (c *Client) Generate(ctx context.Context, params chat.ModelParams, history []chat.Message) (io.ReadCloser, error) {
	if strings.TrimSpace(params.Model) == "" {
		return nil, errors.New("provider: model name required")
	}
	if len(history) == 0 {
		return nil, errors.New("provider: no messages provided")
	}

	payload, err := buildRequest(params, history)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", c.baseURL, params.Model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("provider: %s (code=%d, status=%s)", errResp.Error.Message, errResp.Error.Code, errResp.Error.Status)
		}
		return nil, fmt.Errorf("provider: http %d: %s", resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}

// buildRequest converts the session's history and parameters into the
// provider's request shape.
func buildRequest(params chat.ModelParams, history []chat.Message) (map[string]any, error) {
	contents := make([]map[string]any, 0, len(history))
	for _, msg := range history {
		content, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		contents = append(contents, content)
	}

	payload := map[string]any{
		"contents": contents,
	}

	if params.SystemInstruction != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": params.SystemInstruction}},
		}
	}

	if len(params.Tools) > 0 {
		decls := make([]map[string]any, 0, len(params.Tools))
		for _, t := range params.Tools {
			decl := map[string]any{"name": t.Name}
			if t.Description != "" {
				decl["description"] = t.Description
			}
			if len(t.Parameters) > 0 {
				decl["parameters"] = t.Parameters
			}
			decls = append(decls, decl)
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	genConfig := map[string]any{}
	if params.Temperature != nil {
		genConfig["temperature"] = *params.Temperature
	}
	if params.MaxOutputTokens > 0 {
		genConfig["maxOutputTokens"] = params.MaxOutputTokens
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}

	return payload, nil
}

func convertMessage(msg chat.Message) (map[string]any, error) {
	role := "user"
	switch msg.Role {
	case chat.RoleAssistant:
		role = "model"
	case chat.RoleUser, chat.RoleTool:
		role = "user"
	default:
		return nil, fmt.Errorf("unsupported role %q", msg.Role)
	}

	parts := make([]map[string]any, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch {
		case p.ToolResult != nil:
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     p.ToolResult.Name,
					"response": p.ToolResult.Output,
				},
			})
		case len(p.Data) > 0:
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{
					"mimeType": p.MIMEType,
					"data":     p.Data, // base64 via encoding/json
				},
			})
		default:
			parts = append(parts, map[string]any{"text": p.Text})
		}
	}
	if len(parts) == 0 {
		return nil, errors.New("message has no parts")
	}

	return map[string]any{"role": role, "parts": parts}, nil
}

// PromptChars counts the characters the history contributes to the prompt,
// used for the chars/4 usage estimate when the provider reports none.
func PromptChars(history []chat.Message) int {
	total := 0
	for _, msg := range history {
		for _, p := range msg.Parts {
			total += len(p.Text)
			if p.ToolResult != nil {
				if b, err := json.Marshal(p.ToolResult.Output); err == nil {
					total += len(b)
				}
			}
		}
	}
	return total
}
