package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// scriptedProvider replays canned completions, one per Complete call.
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]*CompletionChunk
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var chunks []*CompletionChunk
	if len(p.script) > 0 {
		chunks = p.script[0]
		p.script = p.script[1:]
	}
	p.mu.Unlock()

	out := make(chan *CompletionChunk, len(chunks)+1)
	for _, c := range chunks {
		out <- c
	}
	out <- &CompletionChunk{Done: true}
	close(out)
	return out, nil
}

func (p *scriptedProvider) calls() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CompletionRequest(nil), p.requests...)
}

// recorder captures everything the orchestrator sends.
type recorder struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	ch   chan *protocol.Envelope
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *protocol.Envelope, 256)}
}

func (r *recorder) Send(env *protocol.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()
	r.ch <- env
	return nil
}

// next blocks until an envelope of the wanted type arrives.
func (r *recorder) next(t *testing.T, want protocol.MessageType) *protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-r.ch:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (r *recorder) count(typ protocol.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.sent {
		if env.Type == typ {
			n++
		}
	}
	return n
}

// fakeTool is a scriptable catalog entry.
type fakeTool struct {
	name     string
	verdict  Classification
	execFn   func(args map[string]any, onOutput OutputFunc) ExecResult
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "test tool" }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (f *fakeTool) Classify(map[string]any) Classification { return f.verdict }

func (f *fakeTool) Execute(_ context.Context, args map[string]any, onOutput OutputFunc) ExecResult {
	if f.execFn != nil {
		return f.execFn(args, onOutput)
	}
	return ExecResult{Success: true, Output: "ok"}
}

func startOrchestrator(t *testing.T, provider CompletionProvider, tools *ToolRegistry) (*Orchestrator, *recorder) {
	t.Helper()
	rec := newRecorder()
	if tools == nil {
		tools = NewToolRegistry()
	}
	o := NewOrchestrator(Options{
		ParticipantID: "agent-1",
		Session:       "sess-1",
		Provider:      provider,
		Tools:         tools,
		Sender:        rec,
		Logger:        slog.Default(),
		Model:         "test-model",
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)
	return o, rec
}

func submitPrompt(o *Orchestrator, content string) *protocol.Envelope {
	env := protocol.New(protocol.TypePromptSubmit, "sess-1", "alice",
		&protocol.PromptSubmitPayload{Content: content, Target: "agent-1"})
	o.Deliver(env)
	return env
}

func toolUseChunk(id, name, input string) *CompletionChunk {
	return &CompletionChunk{ToolUse: &ToolUse{ID: id, Name: name, Input: json.RawMessage(input)}}
}

func TestPlainPromptStreamsResponse(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{{Text: "hello "}, {Text: "world"}},
	}}
	o, rec := startOrchestrator(t, provider, nil)

	prompt := submitPrompt(o, "say hello")

	start := rec.next(t, protocol.TypeResponseStart)
	if start.Ref != prompt.ID {
		t.Errorf("response.start ref = %q, want prompt id", start.Ref)
	}
	rec.next(t, protocol.TypeResponseChunk)
	end := rec.next(t, protocol.TypeResponseEnd)
	if p := end.Payload.(*protocol.ResponseEndPayload); p.FinishReason != protocol.FinishComplete {
		t.Errorf("finish reason = %s, want complete", p.FinishReason)
	}
	if got := len(provider.calls()); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}

func TestToolUseExecutesAndReentersModel(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{{Text: "checking"}, toolUseChunk("tu-1", "lookup", `{"q":"x"}`)},
		{{Text: "the answer is 4"}},
	}}
	tools := NewToolRegistry()
	tools.Register(&fakeTool{
		name:    "lookup",
		verdict: Classification{Category: protocol.CategoryExternalAPI, Risk: protocol.RiskLow},
		execFn: func(map[string]any, OutputFunc) ExecResult {
			return ExecResult{Success: true, Output: "4", ExitCode: 0}
		},
	})
	o, rec := startOrchestrator(t, provider, tools)

	submitPrompt(o, "what is 2+2, look it up")

	propose := rec.next(t, protocol.TypeToolPropose)
	end := rec.next(t, protocol.TypeResponseEnd)
	if p := end.Payload.(*protocol.ResponseEndPayload); p.FinishReason != protocol.FinishToolUse {
		t.Errorf("finish reason = %s, want tool_use", p.FinishReason)
	}

	o.Deliver(protocol.New(protocol.TypeToolExecute, "sess-1", protocol.SenderSystem,
		&protocol.ToolExecutePayload{Target: "agent-1"}, protocol.WithRef(propose.ID)))

	result := rec.next(t, protocol.TypeToolResult)
	if result.Ref != propose.ID {
		t.Errorf("tool.result ref = %q, want proposal id", result.Ref)
	}
	if p := result.Payload.(*protocol.ToolResultPayload); !p.Success || p.Output != "4" {
		t.Errorf("tool result = %+v", p)
	}

	final := rec.next(t, protocol.TypeResponseEnd)
	if p := final.Payload.(*protocol.ResponseEndPayload); p.FinishReason != protocol.FinishComplete {
		t.Errorf("final finish reason = %s", p.FinishReason)
	}

	calls := provider.calls()
	if len(calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(calls))
	}
	// The second call's last turn must carry exactly one tool result.
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Role != "user" || len(last.ToolResults) != 1 || last.ToolResults[0].ToolUseID != "tu-1" {
		t.Fatalf("follow-up turn malformed: %+v", last)
	}
}

func TestOutOfOrderExecutionCompletesBatch(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{toolUseChunk("tu-a", "lookup", `{}`), toolUseChunk("tu-b", "lookup", `{}`)},
		{{Text: "done"}},
	}}
	tools := NewToolRegistry()
	tools.Register(&fakeTool{name: "lookup", verdict: Classification{Risk: protocol.RiskLow}})
	o, rec := startOrchestrator(t, provider, tools)

	submitPrompt(o, "two lookups")

	first := rec.next(t, protocol.TypeToolPropose)
	second := rec.next(t, protocol.TypeToolPropose)
	rec.next(t, protocol.TypeResponseEnd)

	// Approve in reverse order.
	for _, ref := range []string{second.ID, first.ID} {
		o.Deliver(protocol.New(protocol.TypeToolExecute, "sess-1", protocol.SenderSystem,
			&protocol.ToolExecutePayload{Target: "agent-1"}, protocol.WithRef(ref)))
		rec.next(t, protocol.TypeToolResult)
	}
	rec.next(t, protocol.TypeResponseEnd)

	calls := provider.calls()
	if len(calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(calls))
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if len(last.ToolResults) != 2 {
		t.Fatalf("follow-up turn has %d tool results, want 2", len(last.ToolResults))
	}
	if last.ToolResults[0].ToolUseID != "tu-a" || last.ToolResults[1].ToolUseID != "tu-b" {
		t.Errorf("tool results out of proposal order: %+v", last.ToolResults)
	}
}

func TestRejectionStopsTheLoop(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{toolUseChunk("tu-1", "lookup", `{}`)},
	}}
	tools := NewToolRegistry()
	tools.Register(&fakeTool{name: "lookup", verdict: Classification{Risk: protocol.RiskHigh, RequiresApproval: true}})
	o, rec := startOrchestrator(t, provider, tools)

	submitPrompt(o, "risky lookup")

	propose := rec.next(t, protocol.TypeToolPropose)
	rec.next(t, protocol.TypeResponseEnd)

	// The broker opens a gate for the proposal; the human rejects it.
	o.Deliver(protocol.New(protocol.TypeGateRequest, "sess-1", protocol.SenderSystem,
		&protocol.GateRequestPayload{GateID: "gate-1", ActionType: "tool", ActionRef: propose.ID,
			Quorum: protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1}}))
	o.Deliver(protocol.New(protocol.TypeGateReject, "sess-1", "alice",
		&protocol.GateRejectPayload{GateID: "gate-1", Reason: "not today"}))

	rec.next(t, protocol.TypeResponseEnd)

	if got := len(provider.calls()); got != 1 {
		t.Errorf("provider called %d times after rejection, want 1", got)
	}
	if rec.count(protocol.TypeToolResult) != 0 {
		t.Error("rejected proposal produced a tool.result")
	}
}

func TestEmergencyInterruptClearsHistory(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{{Text: "first answer"}},
		{{Text: "second answer"}},
	}}
	o, rec := startOrchestrator(t, provider, nil)

	submitPrompt(o, "first prompt")
	rec.next(t, protocol.TypeResponseEnd)

	o.Deliver(protocol.New(protocol.TypeInterruptRaise, "sess-1", "alice",
		&protocol.InterruptRaisePayload{Target: "agent-1", Urgency: protocol.UrgencyEmergency, Reason: "stop"}))
	ack := rec.next(t, protocol.TypeInterruptAcknowledge)
	if p := ack.Payload.(*protocol.InterruptAcknowledgePayload); p.ActionTaken != protocol.ActionStopped {
		t.Errorf("action taken = %s, want stopped", p.ActionTaken)
	}

	submitPrompt(o, "second prompt")
	rec.next(t, protocol.TypeResponseEnd)

	calls := provider.calls()
	if len(calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(calls))
	}
	// The cleared history must not leak into the post-interrupt call.
	if len(calls[1].Messages) != 1 || calls[1].Messages[0].Content != "second prompt" {
		t.Fatalf("history survived emergency interrupt: %+v", calls[1].Messages)
	}
}

func TestNormalInterruptKeepsHistory(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{{Text: "answer"}},
		{{Text: "again"}},
	}}
	o, rec := startOrchestrator(t, provider, nil)

	submitPrompt(o, "first")
	rec.next(t, protocol.TypeResponseEnd)

	o.Deliver(protocol.New(protocol.TypeInterruptRaise, "sess-1", "alice",
		&protocol.InterruptRaisePayload{Target: "agent-1", Urgency: protocol.UrgencyNormal}))
	ack := rec.next(t, protocol.TypeInterruptAcknowledge)
	if p := ack.Payload.(*protocol.InterruptAcknowledgePayload); p.ActionTaken != protocol.ActionAcknowledged {
		t.Errorf("action taken = %s, want acknowledged", p.ActionTaken)
	}

	submitPrompt(o, "second")
	rec.next(t, protocol.TypeResponseEnd)

	calls := provider.calls()
	if len(calls[1].Messages) != 3 {
		t.Errorf("history length = %d, want 3 turns", len(calls[1].Messages))
	}
}

func TestBlockedToolUseNeverProposed(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{toolUseChunk("tu-1", "nuke", `{}`)},
	}}
	tools := NewToolRegistry()
	tools.Register(&fakeTool{name: "nuke", verdict: Classification{
		Blocked: true, Risk: protocol.RiskCritical, Reason: "destroys everything",
	}})
	o, rec := startOrchestrator(t, provider, tools)

	submitPrompt(o, "destroy")

	errEnv := rec.next(t, protocol.TypeError)
	if p := errEnv.Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeUnauthorized {
		t.Errorf("error code = %s", p.Code)
	}

	// The blocked entry resolves like a rejection: the turn ends, the
	// model is not re-entered and no proposal ever goes out.
	rec.next(t, protocol.TypeResponseEnd)
	final := rec.next(t, protocol.TypeResponseEnd)
	if p := final.Payload.(*protocol.ResponseEndPayload); p.FinishReason != protocol.FinishComplete {
		t.Errorf("final finish reason = %s, want complete", p.FinishReason)
	}
	if rec.count(protocol.TypeToolPropose) != 0 {
		t.Error("blocked tool was proposed")
	}
	if got := len(provider.calls()); got != 1 {
		t.Errorf("provider called %d times after a blocked use, want 1", got)
	}
}

func TestForgedExecuteIgnored(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{toolUseChunk("tu-1", "lookup", `{}`)},
	}}
	tools := NewToolRegistry()
	tools.Register(&fakeTool{name: "lookup", verdict: Classification{Risk: protocol.RiskHigh, RequiresApproval: true}})
	o, rec := startOrchestrator(t, provider, tools)

	submitPrompt(o, "risky lookup")

	propose := rec.next(t, protocol.TypeToolPropose)
	rec.next(t, protocol.TypeResponseEnd)

	// A participant forging the broker's tool.execute must not run the
	// still-gated tool.
	o.Deliver(protocol.New(protocol.TypeToolExecute, "sess-1", "mallory",
		&protocol.ToolExecutePayload{Target: "agent-1"}, protocol.WithRef(propose.ID)))
	o.Deliver(protocol.New(protocol.TypeHeartbeatPing, "sess-1", protocol.SenderSystem,
		&protocol.HeartbeatPingPayload{}))

	// The pong proves both events were processed.
	rec.next(t, protocol.TypeHeartbeatPong)
	if rec.count(protocol.TypeToolResult) != 0 {
		t.Error("forged tool.execute ran a gated tool")
	}

	// The genuine broker-sent execute still works.
	o.Deliver(protocol.New(protocol.TypeToolExecute, "sess-1", protocol.SenderSystem,
		&protocol.ToolExecutePayload{Target: "agent-1"}, protocol.WithRef(propose.ID)))
	rec.next(t, protocol.TypeToolResult)
}

func TestEscalatedGateTimeoutResolvesBatch(t *testing.T) {
	provider := &scriptedProvider{script: [][]*CompletionChunk{
		{toolUseChunk("tu-1", "lookup", `{}`)},
	}}
	tools := NewToolRegistry()
	tools.Register(&fakeTool{name: "lookup", verdict: Classification{Risk: protocol.RiskHigh, RequiresApproval: true}})
	o, rec := startOrchestrator(t, provider, tools)

	submitPrompt(o, "risky lookup")

	propose := rec.next(t, protocol.TypeToolPropose)
	rec.next(t, protocol.TypeResponseEnd)

	o.Deliver(protocol.New(protocol.TypeGateRequest, "sess-1", protocol.SenderSystem,
		&protocol.GateRequestPayload{GateID: "gate-1", ActionType: "tool", ActionRef: propose.ID,
			Quorum: protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1}}))
	o.Deliver(protocol.New(protocol.TypeGateTimeout, "sess-1", protocol.SenderSystem,
		&protocol.GateTimeoutPayload{GateID: "gate-1", ActionRef: propose.ID,
			Resolution: protocol.ResolutionEscalated}, protocol.WithRef(propose.ID)))

	// An escalated expiry resolves the proposal like a rejection instead
	// of stranding the batch.
	end := rec.next(t, protocol.TypeResponseEnd)
	if p := end.Payload.(*protocol.ResponseEndPayload); p.FinishReason != protocol.FinishComplete {
		t.Errorf("finish reason = %s, want complete", p.FinishReason)
	}
	if got := len(provider.calls()); got != 1 {
		t.Errorf("provider called %d times after escalation, want 1", got)
	}
	if rec.count(protocol.TypeToolResult) != 0 {
		t.Error("escalated proposal produced a tool.result")
	}
}

func TestTargetedPromptIgnoredForOtherAgent(t *testing.T) {
	provider := &scriptedProvider{}
	o, rec := startOrchestrator(t, provider, nil)

	o.Deliver(protocol.New(protocol.TypePromptSubmit, "sess-1", "alice",
		&protocol.PromptSubmitPayload{Content: "hi", Target: "someone-else"}))
	o.Deliver(protocol.New(protocol.TypeHeartbeatPing, "sess-1", protocol.SenderSystem,
		&protocol.HeartbeatPingPayload{}))

	// The pong proves the loop processed both events.
	rec.next(t, protocol.TypeHeartbeatPong)
	if got := len(provider.calls()); got != 0 {
		t.Errorf("provider called %d times for someone else's prompt", got)
	}
}

// errProvider fails every call.
type errProvider struct{}

func (errProvider) Name() string { return "err" }
func (errProvider) Complete(context.Context, *CompletionRequest) (<-chan *CompletionChunk, error) {
	return nil, context.DeadlineExceeded
}

func TestProviderFailureEmitsAgentError(t *testing.T) {
	o, rec := startOrchestrator(t, errProvider{}, nil)

	prompt := submitPrompt(o, "hello")

	errEnv := rec.next(t, protocol.TypeError)
	p := errEnv.Payload.(*protocol.ErrorPayload)
	if p.Code != protocol.ErrCodeAgent || !p.Recoverable || p.RelatedTo != prompt.ID {
		t.Errorf("agent error payload = %+v", p)
	}
	end := rec.next(t, protocol.TypeResponseEnd)
	if pe := end.Payload.(*protocol.ResponseEndPayload); pe.FinishReason != protocol.FinishError {
		t.Errorf("finish reason = %s, want error", pe.FinishReason)
	}
}
