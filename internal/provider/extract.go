package provider

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/loomgate/loomgate/internal/chat"
)

// Record is a generic structured view of one decoded provider frame. Tool
// call descriptors have appeared at several nesting positions across provider
// versions, so discovery runs as an ordered list of Extractor strategies
// rather than cascading field probes.
type Record map[string]any

// Extractor is one tool-call discovery strategy. Structured extractors
// inspect the decoded record; the inline-text fallback scans accumulated
// answer text instead and returns the text with the matched span removed.
type Extractor interface {
	Name() string
	Extract(rec Record, text string) (call *chat.ToolCall, remainder string, ok bool)
}

// DefaultExtractors returns the strategies in probe order: the per-part
// field, the per-candidate field, then the legacy top-level field. First
// match wins. The inline-text fallback is separate (see InlineTextExtractor)
// because it runs only at stream end.
func DefaultExtractors() []Extractor {
	return []Extractor{partExtractor{}, candidateExtractor{}, legacyExtractor{}}
}

// partExtractor finds functionCall inside candidates[0].content.parts[].
type partExtractor struct{}

func (partExtractor) Name() string { return "part" }

func (partExtractor) Extract(rec Record, text string) (*chat.ToolCall, string, bool) {
	for _, part := range recordParts(rec) {
		if fc, ok := part["functionCall"].(map[string]any); ok {
			if call := callFromDescriptor(fc); call != nil {
				return call, text, true
			}
		}
	}
	return nil, text, false
}

// candidateExtractor finds functionCall directly on the candidate, a shape
// some provider versions used before moving it under parts.
type candidateExtractor struct{}

func (candidateExtractor) Name() string { return "candidate" }

func (candidateExtractor) Extract(rec Record, text string) (*chat.ToolCall, string, bool) {
	for _, cand := range recordCandidates(rec) {
		if fc, ok := cand["functionCall"].(map[string]any); ok {
			if call := callFromDescriptor(fc); call != nil {
				return call, text, true
			}
		}
	}
	return nil, text, false
}

// legacyExtractor finds the top-level functionCall field of the oldest
// record shape.
type legacyExtractor struct{}

func (legacyExtractor) Name() string { return "legacy" }

func (legacyExtractor) Extract(rec Record, text string) (*chat.ToolCall, string, bool) {
	if rec == nil {
		return nil, text, false
	}
	if fc, ok := rec["functionCall"].(map[string]any); ok {
		if call := callFromDescriptor(fc); call != nil {
			return call, text, true
		}
	}
	return nil, text, false
}

// Inline call syntaxes some upstreams emit as plain answer text instead of a
// structured field. The pattern set is provider-version-specific tuning, not
// a fixed contract; keep it small and additive.
var defaultInlinePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```tool_code\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`),
	regexp.MustCompile(`(?s)\[TOOL_REQUEST\]\s*(\{.*?\})\s*\[END_TOOL_REQUEST\]`),
}

// InlineTextExtractor is the last-resort strategy: scan answer text for a
// literal inlined call syntax, synthesize the call, and strip the matched
// span from the user-visible text.
type InlineTextExtractor struct {
	patterns []*regexp.Regexp
}

// NewInlineTextExtractor uses the default pattern set when none is given.
func NewInlineTextExtractor(patterns ...*regexp.Regexp) *InlineTextExtractor {
	if len(patterns) == 0 {
		patterns = defaultInlinePatterns
	}
	return &InlineTextExtractor{patterns: patterns}
}

func (e *InlineTextExtractor) Name() string { return "inline_text" }

func (e *InlineTextExtractor) Extract(rec Record, text string) (*chat.ToolCall, string, bool) {
	for _, pat := range e.patterns {
		loc := pat.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		body := text[loc[2]:loc[3]]
		var desc map[string]any
		if err := json.Unmarshal([]byte(body), &desc); err != nil {
			continue
		}
		call := callFromDescriptor(desc)
		if call == nil {
			continue
		}
		remainder := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
		return call, remainder, true
	}
	return nil, text, false
}

// callFromDescriptor builds a ToolCall from a decoded descriptor, accepting
// both "args" and "parameters" for the argument object. Ids are synthesized;
// the provider does not supply them.
func callFromDescriptor(desc map[string]any) *chat.ToolCall {
	name, _ := desc["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil
	}
	args, _ := desc["args"].(map[string]any)
	if args == nil {
		args, _ = desc["parameters"].(map[string]any)
	}
	return &chat.ToolCall{
		ID:   NewCallID(),
		Name: name,
		Args: args,
	}
}

// NewCallID mints a tool-call correlation id.
func NewCallID() string {
	return "call_" + uuid.New().String()
}

func recordCandidates(rec Record) []map[string]any {
	if rec == nil {
		return nil
	}
	raw, ok := rec["candidates"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func recordParts(rec Record) []map[string]any {
	var out []map[string]any
	for _, cand := range recordCandidates(rec) {
		content, ok := cand["content"].(map[string]any)
		if !ok {
			continue
		}
		parts, ok := content["parts"].([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			if m, ok := p.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}
