package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/loomgate/loomgate/internal/stream"
)

const (
	// defaultPartialWait bounds how long an unparseable record fragment is
	// held for rejoining before it is discarded. Trades a small chance of
	// lost trailing text for bounded memory and forward progress.
	defaultPartialWait = 5 * time.Second

	readBufferSize = 8192
)

// textSalvagePattern recovers a trailing answer fragment from an undecodable
// record tail so a transport hiccup does not eat it.
var textSalvagePattern = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// errMessagePattern and errCodePattern pull best-effort diagnostics out of an
// undecodable fragment that looks like an error record.
var (
	errMessagePattern = regexp.MustCompile(`"message"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	errCodePattern    = regexp.MustCompile(`"code"\s*:\s*"?(\w+)"?`)
)

// Normalizer turns one upstream invocation's raw chunked byte stream into the
// canonical event sequence, masking provider-specific framing. Stateless
// across invocations; each Normalize call owns its own partial-frame buffer.
type Normalizer struct {
	partialWait time.Duration
	extractors  []Extractor
	inline      *InlineTextExtractor
	logger      *log.Logger
}

// NormalizerOption customizes a Normalizer.
type NormalizerOption func(*Normalizer)

// WithPartialWait overrides the bounded wait on a held record fragment.
func WithPartialWait(d time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		if d > 0 {
			n.partialWait = d
		}
	}
}

// WithExtractors overrides the structured tool-call discovery strategies.
func WithExtractors(extractors ...Extractor) NormalizerOption {
	return func(n *Normalizer) { n.extractors = extractors }
}

// WithInlineExtractor overrides the stream-end inline-text fallback.
func WithInlineExtractor(e *InlineTextExtractor) NormalizerOption {
	return func(n *Normalizer) { n.inline = e }
}

// WithNormalizerLogger overrides the default logger.
func WithNormalizerLogger(logger *log.Logger) NormalizerOption {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNormalizer creates a Normalizer with the default extractor order.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		partialWait: defaultPartialWait,
		extractors:  DefaultExtractors(),
		inline:      NewInlineTextExtractor(),
		logger:      log.New(log.Writer(), "[provider/normalize] ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// invocation is the per-call scratch state: accumulated text, the
// partial-frame buffer, and whether a terminal event fired.
type invocation struct {
	text        string
	reasoning   string
	sawToolCall bool

	pendingFrame string
	pendingSince time.Time

	usagePrompt   int
	usageOutput   int
	usageReported bool

	promptChars int
	terminal    bool
	degraded    bool
}

// Normalize consumes one upstream response body and emits the canonical
// event sequence on the returned channel. The sequence is finite, ordered,
// ends with exactly one terminal event, and is not restartable: each call
// consumes one upstream response. promptChars feeds the chars/4 usage
// estimate when the provider reports no counts. The body is closed when the
// stream ends or ctx is cancelled.
func (n *Normalizer) Normalize(ctx context.Context, body io.ReadCloser, promptChars int) <-chan stream.Event {
	out := make(chan stream.Event, 16)
	go func() {
		defer close(out)
		defer body.Close()

		st := &invocation{promptChars: promptChars}
		emit := func(ev stream.Event) {
			if ev.Terminal() {
				st.terminal = true
			}
			out <- ev
		}

		buf := make([]byte, readBufferSize)
		leftover := ""
		for {
			select {
			case <-ctx.Done():
				n.finishTransportError(st, ctx.Err(), emit)
				return
			default:
			}

			nr, err := body.Read(buf)
			if nr > 0 {
				data := leftover + string(buf[:nr])
				lines := strings.Split(data, "\n")
				// Keep the last incomplete line for the next read.
				leftover = lines[len(lines)-1]
				lines = lines[:len(lines)-1]

				for _, line := range lines {
					payload, kind := classifyLine(line)
					switch kind {
					case lineSkip:
						continue
					case lineMeta:
						n.logger.Printf("skip metadata line: %.60q", line)
						continue
					case lineDone:
						n.finish(st, emit)
						return
					case lineData:
						if stop := n.handleRecord(st, payload, emit); stop {
							return
						}
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					// A final record may sit in the line carry without a
					// trailing newline.
					if payload, kind := classifyLine(leftover); kind == lineData {
						if stop := n.handleRecord(st, payload, emit); stop {
							return
						}
					} else if kind == lineDone {
						n.finish(st, emit)
						return
					}
					n.finish(st, emit)
					return
				}
				n.finishTransportError(st, err, emit)
				return
			}
		}
	}()
	return out
}

type lineKind int

const (
	lineSkip lineKind = iota // blank or keep-alive comment
	lineMeta                 // event:/id:/retry: framing metadata
	lineData                 // data: payload
	lineDone                 // end-of-stream sentinel
)

func classifyLine(line string) (string, lineKind) {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") {
		return "", lineSkip
	}
	if strings.HasPrefix(trimmed, "event:") || strings.HasPrefix(trimmed, "id:") || strings.HasPrefix(trimmed, "retry:") {
		return "", lineMeta
	}
	if !strings.HasPrefix(trimmed, "data:") {
		// Not part of the framing we understand; treat as metadata noise.
		return "", lineMeta
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "" {
		return "", lineSkip
	}
	if payload == "[DONE]" {
		return "", lineDone
	}
	return payload, lineData
}

// handleRecord parses one data payload, folding in any held partial frame.
// Returns true when a terminal event fired and reading should stop.
func (n *Normalizer) handleRecord(st *invocation, payload string, emit func(stream.Event)) bool {
	attempt := payload
	if st.pendingFrame != "" {
		if time.Since(st.pendingSince) > n.partialWait {
			// Held too long; drop the stale fragment rather than grow without
			// bound under a broken upstream.
			n.logger.Printf("discard stale partial frame len=%d", len(st.pendingFrame))
			st.pendingFrame = ""
		} else {
			attempt = st.pendingFrame + payload
		}
	}

	var rec Record
	if err := json.Unmarshal([]byte(attempt), &rec); err != nil {
		if truncatedJSON(err) {
			// Expected when one logical record spans two reads: hold the tail
			// and wait, bounded, for the rest.
			st.pendingFrame = attempt
			st.pendingSince = time.Now()
			return false
		}
		// One malformed frame must not abort the whole stream.
		n.logger.Printf("skip malformed frame: %v", err)
		st.pendingFrame = ""
		return false
	}
	st.pendingFrame = ""
	return n.processRecord(st, rec, emit)
}

// processRecord extracts text, reasoning, tool calls, usage, and error
// payloads from one decoded record. Returns true when terminal.
func (n *Normalizer) processRecord(st *invocation, rec Record, emit func(stream.Event)) bool {
	if code, msg, ok := recordError(rec); ok {
		emit(stream.Failed(code, msg))
		return true
	}

	for _, part := range recordParts(rec) {
		text, _ := part["text"].(string)
		if text == "" {
			continue
		}
		if thought, _ := part["thought"].(bool); thought {
			st.reasoning += text
			emit(stream.ReasoningDelta(text))
			continue
		}
		st.text += text
		emit(stream.ContentDelta(text))
	}

	// Structured tool-call discovery: first strategy to match wins.
	for _, ex := range n.extractors {
		call, _, ok := ex.Extract(rec, st.text)
		if !ok {
			continue
		}
		st.sawToolCall = true
		n.logger.Printf("tool call via %s extractor name=%s id=%s", ex.Name(), call.Name, call.ID)
		emit(stream.ToolCallDelta(*call))
		break
	}

	if meta, ok := rec["usageMetadata"].(map[string]any); ok {
		if v, ok := meta["promptTokenCount"].(float64); ok {
			st.usagePrompt = int(v)
			st.usageReported = true
		}
		if v, ok := meta["candidatesTokenCount"].(float64); ok {
			st.usageOutput = int(v)
			st.usageReported = true
		}
	}
	return false
}

// finish runs the stream-end salvage pass and emits the terminal event.
func (n *Normalizer) finish(st *invocation, emit func(stream.Event)) {
	if st.terminal {
		return
	}

	if st.pendingFrame != "" {
		frag := st.pendingFrame
		st.pendingFrame = ""
		var rec Record
		if err := json.Unmarshal([]byte(frag), &rec); err == nil {
			if n.processRecord(st, rec, emit) {
				return
			}
		} else if !n.salvageFragment(st, frag, emit) {
			return // salvage emitted Failed
		}
	}

	// Last-resort fallback: the provider may have inlined a call as plain
	// answer text instead of a structured field.
	if !st.sawToolCall && n.inline != nil {
		if call, remainder, ok := n.inline.Extract(nil, st.text); ok {
			st.sawToolCall = true
			st.text = remainder
			n.logger.Printf("tool call via %s extractor name=%s id=%s", n.inline.Name(), call.Name, call.ID)
			emit(stream.ToolCallDelta(*call))
		}
	}

	emit(stream.Completed(stream.Completion{
		Text:      st.text,
		Reasoning: st.reasoning,
		Usage:     st.usage(),
		Degraded:  st.degraded,
	}))
}

// salvageFragment handles an unterminated, undecodable record tail at stream
// end. Returns false when it synthesized a terminal Failed.
func (n *Normalizer) salvageFragment(st *invocation, frag string, emit func(stream.Event)) bool {
	if strings.Contains(frag, `"error"`) {
		msg := "provider stream ended with an undecodable error record"
		if m := errMessagePattern.FindStringSubmatch(frag); m != nil && m[1] != "" {
			msg = unescapeJSONString(m[1])
		}
		code := "provider_error"
		if m := errCodePattern.FindStringSubmatch(frag); m != nil {
			code = m[1]
		}
		n.logger.Printf("synthesized failure from undecodable tail code=%s", code)
		emit(stream.Failed(code, msg))
		return false
	}
	if m := textSalvagePattern.FindStringSubmatch(frag); m != nil && m[1] != "" {
		text := unescapeJSONString(m[1])
		st.text += text
		n.logger.Printf("salvaged %d chars from undecodable tail", len(text))
		emit(stream.ContentDelta(text))
	} else {
		n.logger.Printf("dropping undecodable tail len=%d", len(frag))
	}
	return true
}

// finishTransportError applies the partial-output policy: fail hard only when
// nothing had been produced; otherwise complete, degraded, with what we have.
func (n *Normalizer) finishTransportError(st *invocation, cause error, emit func(stream.Event)) {
	if st.terminal {
		return
	}
	if st.text == "" && st.reasoning == "" {
		emit(stream.Failed("provider_error", fmt.Sprintf("upstream stream failed: %v", cause)))
		return
	}
	n.logger.Printf("transport error after partial output, completing degraded: %v", cause)
	st.degraded = true
	n.finish(st, emit)
}

func (st *invocation) usage() stream.Usage {
	if st.usageReported {
		return stream.Usage{PromptTokens: st.usagePrompt, OutputTokens: st.usageOutput}
	}
	return stream.Usage{
		PromptTokens: stream.EstimateTokens(st.promptChars),
		OutputTokens: stream.EstimateTokens(len(st.text) + len(st.reasoning)),
		Estimated:    true,
	}
}

// truncatedJSON reports whether the unmarshal error indicates a record cut
// off mid-object, as opposed to genuinely malformed input.
func truncatedJSON(err error) bool {
	return strings.Contains(err.Error(), "unexpected end of JSON input")
}

// recordError detects an error record and extracts its code and message.
func recordError(rec Record) (code, msg string, ok bool) {
	e, isMap := rec["error"].(map[string]any)
	if !isMap {
		return "", "", false
	}
	msg, _ = e["message"].(string)
	if msg == "" {
		msg = "provider reported an error"
	}
	switch c := e["code"].(type) {
	case string:
		code = c
	case float64:
		code = fmt.Sprintf("%d", int(c))
	}
	if code == "" {
		if status, _ := e["status"].(string); status != "" {
			code = status
		} else {
			code = "provider_error"
		}
	}
	return code, msg, true
}

// unescapeJSONString decodes a regex-captured JSON string body.
func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
