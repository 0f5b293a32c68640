package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/fsdiff"
	"github.com/parleyhq/parley/internal/shell"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Classification is the verdict on one proposed tool call.
type Classification struct {
	Category         protocol.ToolCategory
	Risk             protocol.RiskLevel
	RequiresApproval bool
	Blocked          bool
	Reason           string
	Description      string
}

// ExecResult is the outcome of one tool invocation.
type ExecResult struct {
	Success      bool
	Output       string
	Err          string
	ExitCode     int
	DurationMs   int64
	FilesChanged []string
	Changes      []fsdiff.Change
}

// OutputFunc receives streamed tool output. stream is "stdout" or "stderr".
type OutputFunc func(stream, chunk string)

// Tool is one invokable capability in the agent's catalog.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage

	// Classify grades the call before it is proposed to the session.
	Classify(args map[string]any) Classification

	// Execute runs the call, streaming output through onOutput.
	Execute(ctx context.Context, args map[string]any, onOutput OutputFunc) ExecResult
}

// ToolRegistry is the agent's tool catalog: the built-in shell tool plus
// externally registered tools. Trust is tracked per source server; a
// trusted source's low-risk tools skip the approval gate.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	trusted map[string]bool
}

// NewToolRegistry returns an empty catalog.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		trusted: make(map[string]bool),
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// RegisterExternal adds a tool served by an external source under a fixed
// category/risk/approval policy.
func (r *ToolRegistry) RegisterExternal(spec ExternalSpec) {
	r.Register(&externalTool{spec: spec, registry: r})
}

// SetTrusted marks an external source as trusted or not.
func (r *ToolRegistry) SetTrusted(source string, trusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trusted[source] = trusted
}

func (r *ToolRegistry) isTrusted(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trusted[source]
}

// Get looks a tool up by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the catalog in the shape the completion provider wants,
// sorted by name for stable prompts.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ExternalSpec describes a tool provided by an external server.
type ExternalSpec struct {
	Name             string
	Description      string
	InputSchema      json.RawMessage
	Category         protocol.ToolCategory
	Risk             protocol.RiskLevel
	RequiresApproval bool
	Source           string
	Handler          func(ctx context.Context, args map[string]any, onOutput OutputFunc) ExecResult
}

// externalTool wraps an ExternalSpec. Its approval requirement is adjusted
// by the trust standing of its source at classify time.
type externalTool struct {
	spec     ExternalSpec
	registry *ToolRegistry
}

func (t *externalTool) Name() string            { return t.spec.Name }
func (t *externalTool) Description() string     { return t.spec.Description }
func (t *externalTool) Schema() json.RawMessage { return t.spec.InputSchema }

func (t *externalTool) Classify(map[string]any) Classification {
	c := Classification{
		Category:         t.spec.Category,
		Risk:             t.spec.Risk,
		RequiresApproval: t.spec.RequiresApproval,
		Description:      t.spec.Description,
	}
	if t.registry.isTrusted(t.spec.Source) && lowRisk(c.Risk) {
		c.RequiresApproval = false
		c.Reason = "trusted source"
	}
	return c
}

func lowRisk(r protocol.RiskLevel) bool {
	return r == protocol.RiskSafe || r == protocol.RiskLow || r == protocol.RiskMedium
}

func (t *externalTool) Execute(ctx context.Context, args map[string]any, onOutput OutputFunc) ExecResult {
	if t.spec.Handler == nil {
		return ExecResult{Err: "tool has no handler", ExitCode: -1}
	}
	return t.spec.Handler(ctx, args, onOutput)
}

// shellSchema is the input contract of the built-in shell tool.
var shellSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "Shell command to run"},
		"cwd": {"type": "string", "description": "Working directory, optional"}
	},
	"required": ["command"]
}`)

// ShellTool runs shell commands through the classifier and runner, and
// reports workspace file changes after each run.
type ShellTool struct {
	runner    *shell.Runner
	workspace string
	logger    *slog.Logger
}

// NewShellTool wires the built-in shell tool. workspace is the default
// working directory and the root watched for file changes.
func NewShellTool(runner *shell.Runner, workspace string, logger *slog.Logger) *ShellTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellTool{runner: runner, workspace: workspace, logger: logger}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the shared workspace. Output is streamed to all participants."
}

func (t *ShellTool) Schema() json.RawMessage { return shellSchema }

// Classify grades the command string. A blocked verdict means the command
// is never proposed, let alone spawned.
func (t *ShellTool) Classify(args map[string]any) Classification {
	command, _ := args["command"].(string)
	rec := shell.Classify(command)
	return Classification{
		Category:         categoryFor(rec.Category),
		Risk:             rec.RiskLevel,
		RequiresApproval: rec.RequiresApproval,
		Blocked:          rec.Blocked(),
		Reason:           rec.Reason,
		Description:      command,
	}
}

func categoryFor(c shell.Category) protocol.ToolCategory {
	switch c {
	case shell.CategoryRead:
		return protocol.CategoryFileRead
	case shell.CategoryDestructive:
		return protocol.CategoryFileDelete
	default:
		return protocol.CategoryShellExecute
	}
}

// Execute classifies again (defense against a stale proposal), snapshots
// the working directory, runs the command and diffs the tree afterwards so
// changed files surface as context updates.
func (t *ShellTool) Execute(ctx context.Context, args map[string]any, onOutput OutputFunc) ExecResult {
	command, _ := args["command"].(string)
	rec := shell.Classify(command)
	if rec.Blocked() {
		return ExecResult{Err: "command is blocked: " + rec.Reason, ExitCode: -1}
	}
	if cwd, ok := args["cwd"].(string); ok {
		rec.Cwd = cwd
	}
	dir := rec.Cwd
	if dir == "" {
		dir = t.workspace
	}

	var before map[string]fsdiff.Entry
	if dir != "" {
		snap, err := fsdiff.Snapshot(dir, 0)
		if err != nil {
			t.logger.Warn("workspace snapshot failed", "dir", dir, "error", err)
		} else {
			before = snap
		}
	}

	res, err := t.runner.Run(ctx, rec, shell.StreamFunc(onOutput))
	if err != nil {
		return ExecResult{Err: err.Error(), ExitCode: -1}
	}

	out := ExecResult{
		Success:    res.Success(),
		Output:     combineOutput(res.Stdout, res.Stderr),
		Err:        res.Error,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
	}
	if before != nil {
		changes, diffErr := fsdiff.Diff(before, dir, 0)
		if diffErr != nil {
			t.logger.Warn("workspace diff failed", "dir", dir, "error", diffErr)
		}
		for _, ch := range changes {
			out.FilesChanged = append(out.FilesChanged, ch.RelativePath)
		}
		out.Changes = changes
	}
	return out
}

func combineOutput(stdout, stderr string) string {
	if stdout == "" {
		return stderr
	}
	if stderr == "" {
		return stdout
	}
	return stdout + "\n" + stderr
}

// executeTimeout bounds any single tool invocation from the orchestrator
// side; the runner enforces its own finer-grained per-category timeout.
const executeTimeout = 5 * time.Minute
