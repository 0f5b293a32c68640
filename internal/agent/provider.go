// Package agent implements the orchestration loop that turns a prompt
// into a sequence of model completions and tool invocations. The loop's
// hard invariant: every tool use from one assistant turn is answered by
// exactly one tool result in the next user turn, even when approvals
// arrive out of order or are denied.
package agent

import (
	"context"
	"encoding/json"
)

// CompletionProvider abstracts the model backend. Implementations must be
// safe for concurrent use.
type CompletionProvider interface {
	// Complete sends a request and streams the response. The channel is
	// closed when the stream completes or fails.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider for logging and metrics.
	Name() string
}

// CompletionRequest carries one model call: the conversation so far plus
// the current tool catalog.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Message is one conversation turn. Assistant turns may carry tool uses;
// user turns may carry the matching tool results.
type Message struct {
	Role        string // "user" or "assistant"
	Content     string
	ToolUses    []ToolUse
	ToolResults []ToolUseResult
}

// ToolUse is a model request to invoke one tool.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolUseResult answers one tool use.
type ToolUseResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CompletionChunk is one streamed fragment of a model response.
type CompletionChunk struct {
	Text          string
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	ToolUse       *ToolUse
	Done          bool
	Err           error
}
