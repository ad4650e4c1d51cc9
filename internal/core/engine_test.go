package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/loomgate/loomgate/internal/chat"
	"github.com/loomgate/loomgate/internal/credit"
	"github.com/loomgate/loomgate/internal/session"
	"github.com/loomgate/loomgate/internal/stream"
)

// fakeProvider records invocations and hands the scripted leg index to the
// normalizer through the body content.
type fakeProvider struct {
	calls     int
	histories [][]chat.Message
	err       error
}

func (p *fakeProvider) Generate(ctx context.Context, params chat.ModelParams, history []chat.Message) (io.ReadCloser, error) {
	p.calls++
	p.histories = append(p.histories, history)
	if p.err != nil {
		return nil, p.err
	}
	return io.NopCloser(strings.NewReader("")), nil
}

// fakeNormalizer replays one scripted event sequence per leg.
type fakeNormalizer struct {
	legs [][]stream.Event
	leg  int
}

func (n *fakeNormalizer) Normalize(ctx context.Context, body io.ReadCloser, promptChars int) <-chan stream.Event {
	_ = body.Close()
	events := n.legs[n.leg]
	n.leg++
	ch := make(chan stream.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

type fakeGate struct {
	allowed   bool
	remaining int64
	err       error
	checks    int
}

func (g *fakeGate) CheckBalance(ctx context.Context, ownerID string, estimatedCost int64) (credit.Decision, error) {
	g.checks++
	if g.err != nil {
		return credit.Decision{}, g.err
	}
	return credit.Decision{Allowed: g.allowed, Remaining: g.remaining}, nil
}

type fakeRecorder struct {
	entries []credit.Entry
}

func (r *fakeRecorder) Record(ctx context.Context, entry credit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

// captureSink collects frames; failAfter > 0 makes the nth Send fail.
type captureSink struct {
	frames    []stream.Frame
	failAfter int
}

func (s *captureSink) Send(frame stream.Frame) error {
	if s.failAfter > 0 && len(s.frames)+1 >= s.failAfter {
		return errors.New("client gone")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *captureSink) byType(frameType string) []stream.Frame {
	var out []stream.Frame
	for _, f := range s.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func newTestEngine(gate credit.Gate, rec Recorder, legs ...[]stream.Event) (*Engine, *fakeProvider, *session.Registry) {
	provider := &fakeProvider{}
	registry := session.NewRegistry()
	engine := NewEngine(registry, gate, rec, provider, &fakeNormalizer{legs: legs})
	return engine, provider, registry
}

func startReq(id string) StartRequest {
	return StartRequest{
		RequestID: id,
		History:   []chat.Message{chat.TextMessage(chat.RoleUser, "hi")},
		Params:    chat.ModelParams{Model: "m-1"},
	}
}

func TestStartGenerationHappyPath(t *testing.T) {
	recorder := &fakeRecorder{}
	engine, provider, registry := newTestEngine(&fakeGate{allowed: true}, recorder, []stream.Event{
		stream.ContentDelta("hel"),
		stream.ContentDelta("lo"),
		stream.Completed(stream.Completion{Text: "hello", Usage: stream.Usage{PromptTokens: 1, OutputTokens: 2}}),
	})
	sink := &captureSink{}

	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink); err != nil {
		t.Fatalf("StartGeneration error = %v", err)
	}

	want := []string{stream.FrameStart, stream.FrameContent, stream.FrameContent, stream.FrameDone}
	if len(sink.frames) != len(want) {
		t.Fatalf("frames = %d, want %d: %+v", len(sink.frames), len(want), sink.frames)
	}
	for i, typ := range want {
		if sink.frames[i].Type != typ {
			t.Fatalf("frame %d type = %s, want %s", i, sink.frames[i].Type, typ)
		}
	}
	done := sink.frames[3]
	if done.FinalText != "hello" || done.Usage == nil || done.Usage.OutputTokens != 2 {
		t.Fatalf("done frame = %+v", done)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry.Len() = %d after completion, want 0", registry.Len())
	}
	if len(recorder.entries) != 1 || recorder.entries[0].RequestID != "r1" {
		t.Fatalf("recorded entries = %+v", recorder.entries)
	}
}

func TestStartGenerationInsufficientBalance(t *testing.T) {
	engine, provider, registry := newTestEngine(&fakeGate{allowed: false, remaining: 3}, nil)
	sink := &captureSink{}

	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink); err != nil {
		t.Fatalf("StartGeneration error = %v", err)
	}

	// Exactly one error frame, no session, no provider call.
	if len(sink.frames) != 1 {
		t.Fatalf("frames = %+v, want exactly one", sink.frames)
	}
	frame := sink.frames[0]
	if frame.Type != stream.FrameError || frame.Code != stream.CodeInsufficientBalance {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Remaining == nil || *frame.Remaining != 3 || frame.Required == nil {
		t.Fatalf("credit amounts missing: %+v", frame)
	}
	if registry.Len() != 0 {
		t.Fatal("declined request must not register a session")
	}
	if provider.calls != 0 {
		t.Fatal("declined request must not reach the provider")
	}
}

func TestStartGenerationDuplicateRequestID(t *testing.T) {
	engine, _, _ := newTestEngine(&fakeGate{allowed: true}, nil,
		[]stream.Event{stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search"}), stream.Completed(stream.Completion{})},
	)
	sink := &captureSink{}

	// First leg parks the session paused so the id stays occupied.
	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink); err != nil {
		t.Fatalf("StartGeneration error = %v", err)
	}

	dup := &captureSink{}
	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), dup); err != nil {
		t.Fatalf("duplicate StartGeneration error = %v", err)
	}
	if len(dup.frames) != 1 || dup.frames[0].Code != stream.CodeDuplicateRequest {
		t.Fatalf("duplicate frames = %+v", dup.frames)
	}
}

func TestStartGenerationProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream refused")}
	registry := session.NewRegistry()
	engine := NewEngine(registry, &fakeGate{allowed: true}, nil, provider, &fakeNormalizer{})
	sink := &captureSink{}

	err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink)
	if err == nil {
		t.Fatal("expected error from provider failure")
	}
	errs := sink.byType(stream.FrameError)
	if len(errs) != 1 || errs[0].Code != stream.CodeProviderError {
		t.Fatalf("error frames = %+v", errs)
	}
	if registry.Len() != 0 {
		t.Fatal("failed session must be removed")
	}
}

func TestToolCallPausesLeg(t *testing.T) {
	engine, _, registry := newTestEngine(&fakeGate{allowed: true}, nil, []stream.Event{
		stream.ContentDelta("thinking"),
		stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search", Args: map[string]any{"q": "x"}}),
		stream.Completed(stream.Completion{Text: "thinking"}),
	})
	sink := &captureSink{}

	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink); err != nil {
		t.Fatalf("StartGeneration error = %v", err)
	}

	execs := sink.byType(stream.FrameExecuteTool)
	if len(execs) != 1 {
		t.Fatalf("executeTool frames = %+v", execs)
	}
	if execs[0].ToolCallID != "tc1" || execs[0].ToolName != "search" || execs[0].Parameters["q"] != "x" {
		t.Fatalf("executeTool frame = %+v", execs[0])
	}
	if len(sink.byType(stream.FrameDone)) != 0 {
		t.Fatal("paused leg must not emit done")
	}

	sess, ok := registry.Get("r1")
	if !ok || !sess.Paused || !sess.Resumable() {
		t.Fatalf("session state = %+v, want paused and resumable", sess)
	}
	// Assistant text so far is folded into the history for the resume leg.
	last := sess.History[len(sess.History)-1]
	if last.Role != chat.RoleAssistant || last.Text() != "thinking" {
		t.Fatalf("history tail = %+v", last)
	}
}

func TestSubmitToolResultResumes(t *testing.T) {
	gate := &fakeGate{allowed: true}
	engine, provider, registry := newTestEngine(gate, nil,
		[]stream.Event{
			stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search", Args: map[string]any{"q": "x"}}),
			stream.Completed(stream.Completion{}),
		},
		[]stream.Event{
			stream.ContentDelta("answer"),
			stream.Completed(stream.Completion{Text: "answer"}),
		},
	)

	first := &captureSink{}
	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), first); err != nil {
		t.Fatalf("StartGeneration error = %v", err)
	}

	// The resume may arrive on a different connection.
	second := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u1", "r1", "tc1", map[string]any{"result": "y"}, second); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}

	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
	// The resume leg sees the tool result appended to the history.
	resumeHistory := provider.histories[1]
	tail := resumeHistory[len(resumeHistory)-1]
	if tail.Role != chat.RoleTool || tail.Parts[0].ToolResult == nil || tail.Parts[0].ToolResult.CallID != "tc1" {
		t.Fatalf("resume history tail = %+v", tail)
	}

	if len(second.byType(stream.FrameDone)) != 1 {
		t.Fatalf("resume frames = %+v, want done", second.frames)
	}
	if registry.Len() != 0 {
		t.Fatal("completed session must be removed")
	}
	if gate.checks != 2 {
		t.Fatalf("gate checks = %d, want one per provider invocation", gate.checks)
	}
}

func TestSubmitToolResultNotOwner(t *testing.T) {
	engine, provider, registry := newTestEngine(&fakeGate{allowed: true}, nil,
		[]stream.Event{
			stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search"}),
			stream.Completed(stream.Completion{}),
		},
	)
	_ = engine.StartGeneration(context.Background(), "u1", startReq("r1"), &captureSink{})
	callsBefore := provider.calls

	sink := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u2", "r1", "tc1", map[string]any{}, sink); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}
	if len(sink.frames) != 1 || sink.frames[0].Code != stream.CodeNotOwner {
		t.Fatalf("frames = %+v, want single not_owner", sink.frames)
	}
	if provider.calls != callsBefore {
		t.Fatal("rejected submit must not invoke the provider")
	}
	sess, ok := registry.Get("r1")
	if !ok || len(sess.Pending) != 1 {
		t.Fatal("rejected submit must leave the session unchanged")
	}
}

func TestSubmitToolResultUnknownSession(t *testing.T) {
	engine, _, _ := newTestEngine(&fakeGate{allowed: true}, nil)
	sink := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u1", "missing", "tc1", nil, sink); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}
	if len(sink.frames) != 1 || sink.frames[0].Code != stream.CodeNotFound {
		t.Fatalf("frames = %+v, want not_found", sink.frames)
	}
}

func TestSubmitToolResultUnknownCallID(t *testing.T) {
	engine, _, _ := newTestEngine(&fakeGate{allowed: true}, nil,
		[]stream.Event{
			stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search"}),
			stream.Completed(stream.Completion{}),
		},
	)
	_ = engine.StartGeneration(context.Background(), "u1", startReq("r1"), &captureSink{})

	sink := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u1", "r1", "never-issued", nil, sink); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}
	if len(sink.frames) != 1 || sink.frames[0].Code != stream.CodeUnknownToolCall {
		t.Fatalf("frames = %+v, want unknown_tool_call", sink.frames)
	}
}

func TestSubmitToolResultWaitsForAllPending(t *testing.T) {
	engine, provider, _ := newTestEngine(&fakeGate{allowed: true}, nil,
		[]stream.Event{
			stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search"}),
			stream.ToolCallDelta(chat.ToolCall{ID: "tc2", Name: "lookup"}),
			stream.Completed(stream.Completion{}),
		},
		[]stream.Event{stream.Completed(stream.Completion{Text: "done"})},
	)
	_ = engine.StartGeneration(context.Background(), "u1", startReq("r1"), &captureSink{})

	sink := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u1", "r1", "tc1", nil, sink); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}
	if provider.calls != 1 {
		t.Fatal("resume must wait until every pending call is resolved")
	}
	if len(sink.frames) != 0 {
		t.Fatalf("frames = %+v, want none while holding", sink.frames)
	}

	if err := engine.SubmitToolResult(context.Background(), "u1", "r1", "tc2", nil, sink); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatal("last result must trigger the resume leg")
	}
}

func TestResumeDeclinedThenRetrySucceeds(t *testing.T) {
	gate := &fakeGate{allowed: true}
	engine, provider, registry := newTestEngine(gate, nil,
		[]stream.Event{
			stream.ToolCallDelta(chat.ToolCall{ID: "tc1", Name: "search"}),
			stream.Completed(stream.Completion{}),
		},
		[]stream.Event{stream.Completed(stream.Completion{Text: "done"})},
	)
	_ = engine.StartGeneration(context.Background(), "u1", startReq("r1"), &captureSink{})

	gate.allowed = false
	sink := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u1", "r1", "tc1", nil, sink); err != nil {
		t.Fatalf("SubmitToolResult error = %v", err)
	}
	if len(sink.frames) != 1 || sink.frames[0].Code != stream.CodeInsufficientBalance {
		t.Fatalf("frames = %+v, want insufficient_balance", sink.frames)
	}
	if provider.calls != 1 {
		t.Fatal("declined resume must not invoke the provider")
	}
	// The result was not consumed: the call is still pending, so the same
	// submission can be retried.
	sess, ok := registry.Get("r1")
	if !ok || !sess.Paused {
		t.Fatal("declined resume must leave the session paused for retry")
	}
	if _, pending := sess.Pending["tc1"]; !pending {
		t.Fatal("declined resume must leave the tool call pending")
	}

	gate.allowed = true
	retry := &captureSink{}
	if err := engine.SubmitToolResult(context.Background(), "u1", "r1", "tc1", map[string]any{"result": "y"}, retry); err != nil {
		t.Fatalf("retry SubmitToolResult error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d after retry, want 2", provider.calls)
	}
	if len(retry.byType(stream.FrameDone)) != 1 {
		t.Fatalf("retry frames = %+v, want done", retry.frames)
	}
	if registry.Len() != 0 {
		t.Fatal("completed session must be removed after the retried resume")
	}
}

func TestProviderFailureEventEndsSession(t *testing.T) {
	engine, _, registry := newTestEngine(&fakeGate{allowed: true}, nil, []stream.Event{
		stream.ContentDelta("partial"),
		stream.Failed(stream.CodeProviderError, "quota exhausted"),
	})
	sink := &captureSink{}

	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink); err != nil {
		t.Fatalf("StartGeneration error = %v", err)
	}
	errs := sink.byType(stream.FrameError)
	if len(errs) != 1 || errs[0].Message != "quota exhausted" {
		t.Fatalf("error frames = %+v", errs)
	}
	if registry.Len() != 0 {
		t.Fatal("failed session must be removed")
	}
}

func TestSinkFailureTearsDownSession(t *testing.T) {
	engine, _, registry := newTestEngine(&fakeGate{allowed: true}, nil, []stream.Event{
		stream.ContentDelta("a"),
		stream.ContentDelta("b"),
		stream.Completed(stream.Completion{Text: "ab"}),
	})
	// start frame delivers, first content frame fails
	sink := &captureSink{failAfter: 2}

	if err := engine.StartGeneration(context.Background(), "u1", startReq("r1"), sink); err == nil {
		t.Fatal("expected the sink failure to surface")
	}
	if registry.Len() != 0 {
		t.Fatal("session must be dropped when the client destination is gone")
	}
}
