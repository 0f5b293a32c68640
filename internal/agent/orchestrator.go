package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/fsdiff"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Sender delivers outbound envelopes to the session.
type Sender interface {
	Send(env *protocol.Envelope) error
}

const eventQueueSize = 256

// Orchestrator is the run loop of one agent participant. It consumes
// session events sequentially: a prompt becomes a model completion, tool
// uses become proposals, and approved proposals execute and feed their
// results back into the next completion. The batch manager guarantees the
// model sees exactly one tool result per tool use it emitted.
type Orchestrator struct {
	id        string
	session   string
	provider  CompletionProvider
	tools     *ToolRegistry
	batch     *BatchManager
	sender    Sender
	logger    *slog.Logger
	model     string
	system    string
	maxTokens int

	history []Message

	// pendingUses holds the raw tool-use blocks of the open batch so
	// tool.execute can recover arguments; gateRefs maps broker gate ids
	// to the proposals they guard.
	pendingUses map[string]ToolUse
	gateRefs    map[string]string

	events chan *protocol.Envelope
	done   chan struct{}
}

// Options configures an orchestrator.
type Options struct {
	ParticipantID string
	Session       string
	Provider      CompletionProvider
	Tools         *ToolRegistry
	Sender        Sender
	Logger        *slog.Logger
	Model         string
	System        string
	MaxTokens     int
}

// NewOrchestrator wires an agent loop. Run must be called to start it.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Orchestrator{
		id:          opts.ParticipantID,
		session:     opts.Session,
		provider:    opts.Provider,
		tools:       opts.Tools,
		batch:       NewBatchManager(logger),
		sender:      opts.Sender,
		logger:      logger.With("agent", opts.ParticipantID),
		model:       opts.Model,
		system:      opts.System,
		maxTokens:   maxTokens,
		pendingUses: make(map[string]ToolUse),
		gateRefs:    make(map[string]string),
		events:      make(chan *protocol.Envelope, eventQueueSize),
		done:        make(chan struct{}),
	}
}

// Deliver queues a session event for the run loop. Safe from any goroutine.
func (o *Orchestrator) Deliver(env *protocol.Envelope) {
	select {
	case o.events <- env:
	case <-o.done:
	default:
		o.logger.Warn("event queue full, dropping", "type", env.Type)
	}
}

// Run consumes events until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-o.events:
			o.dispatch(ctx, env)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.PromptSubmitPayload:
		if p.Target == "" || p.Target == o.id {
			o.handlePrompt(ctx, env, p)
		}
	case *protocol.ToolExecutePayload:
		// Execution authority comes only from the broker. A participant
		// forging tool.execute must not run a gated tool.
		if env.Sender != protocol.SenderSystem {
			o.logger.Warn("ignoring tool.execute from non-system sender", "sender", env.Sender)
			return
		}
		if p.Target == o.id {
			o.handleExecute(ctx, env)
		}
	case *protocol.GateRequestPayload:
		o.trackGate(p)
	case *protocol.GateRejectPayload:
		o.handleRejection(ctx, o.gateRefs[p.GateID], p.Reason)
	case *protocol.ToolRejectPayload:
		o.handleRejection(ctx, env.Ref, p.Reason)
	case *protocol.GateTimeoutPayload:
		switch p.Resolution {
		case protocol.ResolutionAutoApproved:
			// The broker follows up with tool.execute; nothing to do here.
		case protocol.ResolutionEscalated:
			o.handleRejection(ctx, p.ActionRef, "gate expired awaiting escalation")
		default:
			o.handleRejection(ctx, p.ActionRef, "gate timed out")
		}
	case *protocol.InterruptRaisePayload:
		if p.Target == "" || p.Target == o.id {
			o.handleInterrupt(env, p)
		}
	case *protocol.HeartbeatPingPayload:
		o.send(protocol.New(protocol.TypeHeartbeatPong, o.session, o.id,
			&protocol.HeartbeatPongPayload{}, protocol.WithRef(env.ID)))
	}
}

func (o *Orchestrator) handlePrompt(ctx context.Context, env *protocol.Envelope, p *protocol.PromptSubmitPayload) {
	o.history = append(o.history, Message{Role: "user", Content: p.Content})
	o.runCompletion(ctx, env.ID)
}

// runCompletion calls the model with the current history and streams the
// result into the session. Tool uses open a batch and become proposals.
func (o *Orchestrator) runCompletion(ctx context.Context, promptRef string) {
	o.send(protocol.New(protocol.TypeThinkingStart, o.session, o.id,
		&protocol.ThinkingStartPayload{}, protocol.WithRef(promptRef)))
	o.send(protocol.New(protocol.TypeResponseStart, o.session, o.id,
		&protocol.ResponseStartPayload{}, protocol.WithRef(promptRef)))

	req := &CompletionRequest{
		Model:     o.model,
		System:    o.system,
		Messages:  append([]Message(nil), o.history...),
		Tools:     o.tools.Specs(),
		MaxTokens: o.maxTokens,
	}
	stream, err := o.provider.Complete(ctx, req)
	if err != nil {
		o.completionFailed(promptRef, err)
		return
	}

	var text strings.Builder
	var toolUses []ToolUse
	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			o.completionFailed(promptRef, chunk.Err)
			return
		case chunk.Thinking != "":
			o.send(protocol.New(protocol.TypeThinkingChunk, o.session, o.id,
				&protocol.ThinkingChunkPayload{Content: chunk.Thinking}, protocol.WithRef(promptRef)))
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			o.send(protocol.New(protocol.TypeResponseChunk, o.session, o.id,
				&protocol.ResponseChunkPayload{Content: chunk.Text}, protocol.WithRef(promptRef)))
		case chunk.ToolUse != nil:
			toolUses = append(toolUses, *chunk.ToolUse)
		}
	}

	o.history = append(o.history, Message{
		Role:     "assistant",
		Content:  text.String(),
		ToolUses: toolUses,
	})

	finish := protocol.FinishComplete
	if len(toolUses) > 0 {
		o.openBatch(promptRef, toolUses)
		finish = protocol.FinishToolUse
	}
	o.send(protocol.New(protocol.TypeThinkingEnd, o.session, o.id,
		&protocol.ThinkingEndPayload{}, protocol.WithRef(promptRef)))
	o.send(protocol.New(protocol.TypeResponseEnd, o.session, o.id,
		&protocol.ResponseEndPayload{FinishReason: finish}, protocol.WithRef(promptRef)))

	if len(toolUses) > 0 {
		// All uses may have resolved at propose time (every one blocked).
		o.checkBatch(ctx)
	}
}

// openBatch registers every tool use as pending, then proposes each into
// the session. Blocked shell commands resolve as failures immediately and
// are never proposed.
func (o *Orchestrator) openBatch(promptRef string, toolUses []ToolUse) {
	o.batch.Start(promptRef)
	o.pendingUses = make(map[string]ToolUse, len(toolUses))
	o.gateRefs = make(map[string]string)
	for _, tu := range toolUses {
		o.batch.AddTool(tu.ID, tu.Name)
		o.pendingUses[tu.ID] = tu
	}

	for _, tu := range toolUses {
		tool, ok := o.tools.Get(tu.Name)
		if !ok {
			o.batch.ResolveFailed(tu.ID, "unknown tool: "+tu.Name)
			continue
		}
		args := decodeArgs(tu.Input)
		c := tool.Classify(args)
		if c.Blocked {
			o.logger.Warn("blocked tool use never proposed", "tool", tu.Name, "reason", c.Reason)
			o.batch.ResolveFailed(tu.ID, "command blocked: "+c.Reason)
			o.batch.MarkRejected()
			o.send(protocol.New(protocol.TypeError, o.session, o.id, &protocol.ErrorPayload{
				Code:        protocol.ErrCodeUnauthorized,
				Message:     "blocked command rejected before proposal: " + c.Reason,
				Recoverable: true,
				RelatedTo:   promptRef,
			}))
			continue
		}
		propose := protocol.New(protocol.TypeToolPropose, o.session, o.id, &protocol.ToolProposePayload{
			ToolName:         tu.Name,
			Arguments:        args,
			Category:         c.Category,
			RiskLevel:        c.Risk,
			RequiresApproval: c.RequiresApproval,
			Description:      c.Description,
		}, protocol.WithRef(promptRef))
		o.batch.SetProposalID(tu.ID, propose.ID)
		o.send(propose)
	}
}

// trackGate remembers which gate guards which proposal so a later
// gate.reject, which only names the gate, can be mapped back.
func (o *Orchestrator) trackGate(p *protocol.GateRequestPayload) {
	if _, ours := o.batch.FindByProposalID(p.ActionRef); ours {
		o.gateRefs[p.GateID] = p.ActionRef
	}
}

// handleExecute runs an approved proposal, streams its output and resolves
// the batch entry with the result.
func (o *Orchestrator) handleExecute(ctx context.Context, env *protocol.Envelope) {
	proposalID := env.Ref
	toolUseID, ok := o.batch.FindByProposalID(proposalID)
	if !ok {
		o.logger.Warn("tool.execute for unknown proposal", "proposal", proposalID)
		return
	}
	tu := o.pendingUses[toolUseID]
	tool, found := o.tools.Get(tu.Name)
	if !found {
		o.emitResult(proposalID, ExecResult{Err: "unknown tool: " + tu.Name, ExitCode: -1})
		o.batch.ResolveFailed(toolUseID, "unknown tool: "+tu.Name)
		o.checkBatch(ctx)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()
	res := tool.Execute(execCtx, decodeArgs(tu.Input), func(stream, chunk string) {
		o.send(protocol.New(protocol.TypeToolOutput, o.session, o.id,
			&protocol.ToolOutputPayload{Stream: stream, Content: chunk},
			protocol.WithRef(proposalID)))
	})
	o.emitResult(proposalID, res)
	o.emitFileChanges(res.Changes)

	if res.Success {
		o.batch.ResolveSuccess(toolUseID, res.Output)
	} else {
		msg := res.Err
		if msg == "" {
			msg = res.Output
		}
		o.batch.ResolveFailed(toolUseID, msg)
	}
	o.checkBatch(ctx)
}

func (o *Orchestrator) emitResult(proposalID string, res ExecResult) {
	o.send(protocol.New(protocol.TypeToolResult, o.session, o.id, &protocol.ToolResultPayload{
		Success:      res.Success,
		Output:       res.Output,
		Error:        res.Err,
		ExitCode:     res.ExitCode,
		DurationMs:   res.DurationMs,
		FilesChanged: res.FilesChanged,
	}, protocol.WithRef(proposalID)))
}

// emitFileChanges turns workspace diffs into context events so every
// participant sees what the tool touched.
func (o *Orchestrator) emitFileChanges(changes []fsdiff.Change) {
	for _, ch := range changes {
		key := "file:" + ch.RelativePath
		if ch.Type == fsdiff.ChangeCreated {
			o.send(protocol.New(protocol.TypeContextAdd, o.session, o.id, &protocol.ContextAddPayload{
				Item: protocol.ContextItem{
					Key:         key,
					ContentType: protocol.ContentFile,
					Content:     ch.Content,
				},
			}))
			continue
		}
		o.send(protocol.New(protocol.TypeContextUpdate, o.session, o.id, &protocol.ContextUpdatePayload{
			Key:         key,
			Content:     ch.Content,
			ContentType: protocol.ContentFile,
		}))
	}
}

func (o *Orchestrator) handleRejection(ctx context.Context, proposalID, reason string) {
	if proposalID == "" {
		return
	}
	msg := "rejected by human"
	if reason != "" {
		msg += ": " + reason
	}
	toolUseID, ok := o.batch.FindByProposalID(proposalID)
	if !ok {
		// Lenient path: a resolution with no live batch entry still
		// reaches the model as a plain turn.
		o.logger.Warn("rejection with no active batch entry", "proposal", proposalID)
		o.history = append(o.history, Message{Role: "user", Content: "A proposed tool call was " + msg + "."})
		return
	}
	o.batch.ResolveFailed(toolUseID, msg)
	o.batch.MarkRejected()
	o.checkBatch(ctx)
}

// checkBatch closes a fully resolved batch: the results become one user
// turn with exactly one tool result per tool use, then the loop either
// stops (a rejection occurred) or re-enters the model.
func (o *Orchestrator) checkBatch(ctx context.Context) {
	if !o.batch.IsComplete() {
		return
	}
	completed, ok := o.batch.Complete()
	if !ok {
		return
	}
	o.pendingUses = make(map[string]ToolUse)
	o.gateRefs = make(map[string]string)

	o.history = append(o.history, Message{Role: "user", ToolResults: completed.Results})

	if completed.HadRejection {
		o.send(protocol.New(protocol.TypeResponseEnd, o.session, o.id,
			&protocol.ResponseEndPayload{FinishReason: protocol.FinishComplete},
			protocol.WithRef(completed.PromptRef)))
		return
	}
	o.runCompletion(ctx, completed.PromptRef)
}

func (o *Orchestrator) handleInterrupt(env *protocol.Envelope, p *protocol.InterruptRaisePayload) {
	action := protocol.ActionAcknowledged
	if p.Urgency == protocol.UrgencyEmergency {
		action = protocol.ActionStopped
		o.history = nil
		o.batch.Clear()
		o.pendingUses = make(map[string]ToolUse)
		o.gateRefs = make(map[string]string)
		o.logger.Info("emergency interrupt, history and batch dropped", "reason", p.Reason)
	}
	o.send(protocol.New(protocol.TypeInterruptAcknowledge, o.session, o.id,
		&protocol.InterruptAcknowledgePayload{ActionTaken: action}, protocol.WithRef(env.ID)))
}

func (o *Orchestrator) completionFailed(promptRef string, err error) {
	o.logger.Error("completion failed", "error", err)
	o.send(protocol.New(protocol.TypeError, o.session, o.id, &protocol.ErrorPayload{
		Code:        protocol.ErrCodeAgent,
		Message:     err.Error(),
		Recoverable: true,
		RelatedTo:   promptRef,
	}))
	o.send(protocol.New(protocol.TypeResponseEnd, o.session, o.id,
		&protocol.ResponseEndPayload{FinishReason: protocol.FinishError},
		protocol.WithRef(promptRef)))
	o.batch.Clear()
	o.pendingUses = make(map[string]ToolUse)
	o.gateRefs = make(map[string]string)
}

func (o *Orchestrator) send(env *protocol.Envelope) {
	if err := o.sender.Send(env); err != nil {
		o.logger.Warn("send failed", "type", env.Type, "error", err)
	}
}

func decodeArgs(input json.RawMessage) map[string]any {
	args := make(map[string]any)
	if len(input) > 0 {
		_ = json.Unmarshal(input, &args)
	}
	return args
}
