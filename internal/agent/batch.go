package agent

import (
	"log/slog"
	"sync"
)

// BatchEntry tracks one proposed tool use until it resolves.
type BatchEntry struct {
	ToolUseID  string
	ToolName   string
	ProposalID string
	Resolved   bool
	Result     ToolUseResult
}

// Completed is the final shape of a fully resolved batch: one result per
// tool use, in proposal order.
type Completed struct {
	PromptRef    string
	HadRejection bool
	Results      []ToolUseResult
}

// BatchManager holds at most one batch of in-flight tool proposals per
// agent. All tool uses from one assistant turn live in one batch; the
// batch completes only when every entry has a result, which is what lets
// the orchestrator hand the model exactly one tool result per tool use.
type BatchManager struct {
	mu     sync.Mutex
	logger *slog.Logger

	promptRef    string
	hadRejection bool
	entries      map[string]*BatchEntry
	order        []string
}

// NewBatchManager returns an empty manager.
func NewBatchManager(logger *slog.Logger) *BatchManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchManager{logger: logger}
}

// Start opens a fresh batch keyed by the prompt envelope id. Starting over
// a pending batch is an anomaly: the old batch is logged and discarded.
func (m *BatchManager) Start(promptRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries != nil {
		m.logger.Warn("starting batch while one is pending, discarding",
			"old_prompt", m.promptRef, "new_prompt", promptRef,
			"pending", len(m.order))
	}
	m.promptRef = promptRef
	m.hadRejection = false
	m.entries = make(map[string]*BatchEntry)
	m.order = nil
}

// Active reports whether a batch is open.
func (m *BatchManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries != nil
}

// AddTool inserts a pending entry for one tool use.
func (m *BatchManager) AddTool(toolUseID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.logger.Warn("addTool with no active batch", "tool_use", toolUseID)
		return
	}
	if _, dup := m.entries[toolUseID]; dup {
		return
	}
	m.entries[toolUseID] = &BatchEntry{ToolUseID: toolUseID, ToolName: toolName}
	m.order = append(m.order, toolUseID)
}

// SetProposalID links an entry to the tool.propose envelope that carries it.
func (m *BatchManager) SetProposalID(toolUseID, proposalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[toolUseID]; ok {
		e.ProposalID = proposalID
	}
}

// FindByProposalID maps a proposal envelope id back to its tool use.
func (m *BatchManager) FindByProposalID(proposalID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ProposalID == proposalID {
			return e.ToolUseID, true
		}
	}
	return "", false
}

// ResolveSuccess records a successful tool result.
func (m *BatchManager) ResolveSuccess(toolUseID, content string) {
	m.resolve(toolUseID, ToolUseResult{ToolUseID: toolUseID, Content: content})
}

// ResolveFailed records a failed tool result.
func (m *BatchManager) ResolveFailed(toolUseID, errorMsg string) {
	m.resolve(toolUseID, ToolUseResult{ToolUseID: toolUseID, Content: errorMsg, IsError: true})
}

func (m *BatchManager) resolve(toolUseID string, result ToolUseResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[toolUseID]
	if !ok {
		m.logger.Warn("resolution for unknown tool use", "tool_use", toolUseID)
		return
	}
	if e.Resolved {
		return
	}
	e.Resolved = true
	e.Result = result
}

// MarkRejected flags the batch so the orchestrator stops after completion
// instead of calling the model again.
func (m *BatchManager) MarkRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries != nil {
		m.hadRejection = true
	}
}

// IsComplete reports whether every entry has resolved.
func (m *BatchManager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil || len(m.order) == 0 {
		return false
	}
	for _, e := range m.entries {
		if !e.Resolved {
			return false
		}
	}
	return true
}

// Complete returns the resolved batch and closes it. Returns false if no
// batch is active or entries are still pending.
func (m *BatchManager) Complete() (Completed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		return Completed{}, false
	}
	out := Completed{PromptRef: m.promptRef, HadRejection: m.hadRejection}
	for _, id := range m.order {
		e := m.entries[id]
		if !e.Resolved {
			return Completed{}, false
		}
		out.Results = append(out.Results, e.Result)
	}
	m.reset()
	return out, true
}

// Clear discards any active batch.
func (m *BatchManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *BatchManager) reset() {
	m.promptRef = ""
	m.hadRejection = false
	m.entries = nil
	m.order = nil
}
