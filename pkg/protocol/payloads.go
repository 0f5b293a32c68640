package protocol

// ParticipantInfo is the identity block a participant presents on join.
type ParticipantInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         ParticipantType `json:"type"`
	Roles        []Role          `json:"roles,omitempty"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	Transport    string          `json:"transport,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// HasRole reports whether the participant carries the given role.
func (p ParticipantInfo) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasCapability reports whether the participant carries the given capability.
func (p ParticipantInfo) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ContentRef records the hash, size and MIME type of context content.
type ContentRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Mime string `json:"mime,omitempty"`
}

// ContextItem is a keyed piece of shared session state.
type ContextItem struct {
	Key         string      `json:"key"`
	ContentType ContentType `json:"content_type"`
	Content     any         `json:"content,omitempty"`
	ContentRef  *ContentRef `json:"content_ref,omitempty"`
	VisibleTo   []string    `json:"visible_to,omitempty"`
	AddedBy     string      `json:"added_by,omitempty"`
	AddedAt     Time        `json:"added_at,omitzero"`
	UpdatedAt   Time        `json:"updated_at,omitzero"`
}

// VisibleToParticipant reports whether the item is visible to the given
// participant. An empty VisibleTo set means visible to all.
func (c ContextItem) VisibleToParticipant(participantID string) bool {
	if len(c.VisibleTo) == 0 {
		return true
	}
	for _, id := range c.VisibleTo {
		if id == participantID {
			return true
		}
	}
	return false
}

// SessionCreatePayload opens a new session with optional config overrides.
type SessionCreatePayload struct {
	Name   string         `json:"name,omitempty"`
	Config *SessionConfig `json:"config,omitempty"`
}

// SessionJoinPayload attaches a participant to a session.
type SessionJoinPayload struct {
	Participant       ParticipantInfo `json:"participant"`
	SupportedVersions []int           `json:"supported_versions"`
	Token             string          `json:"token,omitempty"`
}

// SessionLeavePayload detaches a participant.
type SessionLeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

// SessionEndPayload terminates a session.
type SessionEndPayload struct {
	Reason     string     `json:"reason,omitempty"`
	FinalState FinalState `json:"final_state,omitempty"`
}

// SessionConfigUpdatePayload replaces the session policy block.
type SessionConfigUpdatePayload struct {
	Config SessionConfig `json:"config"`
}

// ParticipantAnnouncePayload introduces a participant to the session.
type ParticipantAnnouncePayload struct {
	Participant ParticipantInfo `json:"participant"`
}

// ParticipantRoleChangePayload reassigns a participant's roles.
type ParticipantRoleChangePayload struct {
	ParticipantID string `json:"participant_id"`
	Roles         []Role `json:"roles"`
}

// HeartbeatPingPayload is the broker's liveness probe.
type HeartbeatPingPayload struct{}

// HeartbeatPongPayload answers a ping.
type HeartbeatPongPayload struct{}

// PresenceUpdatePayload broadcasts a presence transition.
type PresenceUpdatePayload struct {
	ParticipantID string   `json:"participant_id"`
	Presence      Presence `json:"presence"`
}

// ContextAddPayload adds a context item.
type ContextAddPayload struct {
	Item ContextItem `json:"item"`
}

// ContextUpdatePayload patches an existing context item. Nil fields are
// left untouched.
type ContextUpdatePayload struct {
	Key         string      `json:"key"`
	Content     any         `json:"content,omitempty"`
	ContentType ContentType `json:"content_type,omitempty"`
	VisibleTo   []string    `json:"visible_to,omitempty"`
}

// ContextRemovePayload deletes a context item.
type ContextRemovePayload struct {
	Key string `json:"key"`
}

// SecretSharePayload shares a secret value with a restricted audience.
// VisibleTo must be non-empty; secrets are never session-wide.
type SecretSharePayload struct {
	Key       string   `json:"key"`
	Value     string   `json:"value"`
	VisibleTo []string `json:"visible_to"`
}

// SecretRevokePayload withdraws a previously shared secret.
type SecretRevokePayload struct {
	Key string `json:"key"`
}

// PromptDraftPayload shares work-in-progress prompt text.
type PromptDraftPayload struct {
	Content string `json:"content"`
	Target  string `json:"target,omitempty"`
}

// PromptSubmitPayload submits a prompt. Target names the addressed agent;
// empty means any agent may react.
type PromptSubmitPayload struct {
	Content string `json:"content"`
	Target  string `json:"target,omitempty"`
}

// PromptAmendPayload revises an earlier prompt named by the envelope ref.
type PromptAmendPayload struct {
	Content string `json:"content"`
}

// ThinkingStartPayload marks the start of an agent's reasoning stream.
type ThinkingStartPayload struct{}

// ThinkingChunkPayload carries a fragment of reasoning text.
type ThinkingChunkPayload struct {
	Content string `json:"content"`
}

// ThinkingEndPayload closes a reasoning stream.
type ThinkingEndPayload struct{}

// ResponseStartPayload marks the start of an agent's answer stream.
type ResponseStartPayload struct{}

// ResponseChunkPayload carries a fragment of answer text.
type ResponseChunkPayload struct {
	Content string `json:"content"`
}

// ResponseEndPayload closes an answer stream.
type ResponseEndPayload struct {
	FinishReason FinishReason `json:"finish_reason"`
}

// ToolProposePayload is an agent's request to run a tool.
type ToolProposePayload struct {
	ToolName           string         `json:"tool_name"`
	Arguments          map[string]any `json:"arguments,omitempty"`
	Category           ToolCategory   `json:"category"`
	RiskLevel          RiskLevel      `json:"risk_level"`
	RequiresApproval   bool           `json:"requires_approval"`
	Description        string         `json:"description,omitempty"`
	SuggestedApprovers []string       `json:"suggested_approvers,omitempty"`
}

// ToolApprovePayload approves a proposal named by the envelope ref.
type ToolApprovePayload struct {
	Comment string `json:"comment,omitempty"`
}

// ToolRejectPayload rejects a proposal named by the envelope ref.
type ToolRejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ToolExecutePayload authorizes execution of the proposal named by the
// envelope ref. Target is the proposing agent.
type ToolExecutePayload struct {
	Target string `json:"target"`
}

// ToolOutputPayload streams a fragment of subprocess output. The envelope
// ref names the proposal.
type ToolOutputPayload struct {
	Stream  string `json:"stream"`
	Content string `json:"content"`
}

// ToolResultPayload reports the final outcome of a tool invocation. The
// envelope ref names the proposal.
type ToolResultPayload struct {
	Success      bool     `json:"success"`
	Output       string   `json:"output,omitempty"`
	Error        string   `json:"error,omitempty"`
	ExitCode     int      `json:"exit_code"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// GateRequestPayload opens an approval gate for a proposed action.
type GateRequestPayload struct {
	GateID         string     `json:"gate_id"`
	ActionType     string     `json:"action_type"`
	ActionRef      string     `json:"action_ref"`
	Quorum         QuorumRule `json:"quorum"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// GateApprovePayload records one participant's approval.
type GateApprovePayload struct {
	GateID  string `json:"gate_id"`
	Comment string `json:"comment,omitempty"`
}

// GateRejectPayload records a rejection; any rejection closes the gate.
type GateRejectPayload struct {
	GateID string `json:"gate_id"`
	Reason string `json:"reason,omitempty"`
}

// GateTimeoutPayload reports gate expiry and the policy-selected outcome.
type GateTimeoutPayload struct {
	GateID     string         `json:"gate_id"`
	ActionRef  string         `json:"action_ref"`
	Resolution GateResolution `json:"resolution"`
}

// InterruptRaisePayload interrupts one agent or, with an empty target, all.
type InterruptRaisePayload struct {
	Target  string           `json:"target,omitempty"`
	Urgency InterruptUrgency `json:"urgency"`
	Reason  string           `json:"reason,omitempty"`
}

// InterruptAcknowledgePayload reports how an agent handled an interrupt.
type InterruptAcknowledgePayload struct {
	ActionTaken InterruptAction `json:"action_taken"`
}

// ForkCreatePayload opens a named branch of the session event stream.
type ForkCreatePayload struct {
	ForkID      string `json:"fork_id,omitempty"`
	Name        string `json:"name,omitempty"`
	FromMessage string `json:"from_message,omitempty"`
}

// ForkSwitchPayload moves the session's current-fork pointer.
type ForkSwitchPayload struct {
	ForkID string `json:"fork_id"`
}

// MergeProposePayload suggests folding a fork back into its target.
type MergeProposePayload struct {
	ForkID string `json:"fork_id"`
	Target string `json:"target,omitempty"`
}

// MergeExecutePayload performs the merge proposed for a fork.
type MergeExecutePayload struct {
	ForkID string `json:"fork_id"`
	Target string `json:"target,omitempty"`
}

// ErrorPayload reports a protocol-level failure to a participant.
type ErrorPayload struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	RelatedTo   string    `json:"related_to,omitempty"`
}

// payloadFactories maps each message type to a constructor for its payload
// struct. Decode uses it to narrow raw JSON; the map doubles as the closed
// set of valid types.
var payloadFactories = map[MessageType]func() any{
	TypeSessionCreate:         func() any { return new(SessionCreatePayload) },
	TypeSessionJoin:           func() any { return new(SessionJoinPayload) },
	TypeSessionLeave:          func() any { return new(SessionLeavePayload) },
	TypeSessionEnd:            func() any { return new(SessionEndPayload) },
	TypeSessionConfigUpdate:   func() any { return new(SessionConfigUpdatePayload) },
	TypeParticipantAnnounce:   func() any { return new(ParticipantAnnouncePayload) },
	TypeParticipantRoleChange: func() any { return new(ParticipantRoleChangePayload) },
	TypeHeartbeatPing:         func() any { return new(HeartbeatPingPayload) },
	TypeHeartbeatPong:         func() any { return new(HeartbeatPongPayload) },
	TypePresenceUpdate:        func() any { return new(PresenceUpdatePayload) },
	TypeContextAdd:            func() any { return new(ContextAddPayload) },
	TypeContextUpdate:         func() any { return new(ContextUpdatePayload) },
	TypeContextRemove:         func() any { return new(ContextRemovePayload) },
	TypeSecretShare:           func() any { return new(SecretSharePayload) },
	TypeSecretRevoke:          func() any { return new(SecretRevokePayload) },
	TypePromptDraft:           func() any { return new(PromptDraftPayload) },
	TypePromptSubmit:          func() any { return new(PromptSubmitPayload) },
	TypePromptAmend:           func() any { return new(PromptAmendPayload) },
	TypeThinkingStart:         func() any { return new(ThinkingStartPayload) },
	TypeThinkingChunk:         func() any { return new(ThinkingChunkPayload) },
	TypeThinkingEnd:           func() any { return new(ThinkingEndPayload) },
	TypeResponseStart:         func() any { return new(ResponseStartPayload) },
	TypeResponseChunk:         func() any { return new(ResponseChunkPayload) },
	TypeResponseEnd:           func() any { return new(ResponseEndPayload) },
	TypeToolPropose:           func() any { return new(ToolProposePayload) },
	TypeToolApprove:           func() any { return new(ToolApprovePayload) },
	TypeToolReject:            func() any { return new(ToolRejectPayload) },
	TypeToolExecute:           func() any { return new(ToolExecutePayload) },
	TypeToolOutput:            func() any { return new(ToolOutputPayload) },
	TypeToolResult:            func() any { return new(ToolResultPayload) },
	TypeGateRequest:           func() any { return new(GateRequestPayload) },
	TypeGateApprove:           func() any { return new(GateApprovePayload) },
	TypeGateReject:            func() any { return new(GateRejectPayload) },
	TypeGateTimeout:           func() any { return new(GateTimeoutPayload) },
	TypeInterruptRaise:        func() any { return new(InterruptRaisePayload) },
	TypeInterruptAcknowledge:  func() any { return new(InterruptAcknowledgePayload) },
	TypeForkCreate:            func() any { return new(ForkCreatePayload) },
	TypeForkSwitch:            func() any { return new(ForkSwitchPayload) },
	TypeMergePropose:          func() any { return new(MergeProposePayload) },
	TypeMergeExecute:          func() any { return new(MergeExecutePayload) },
	TypeError:                 func() any { return new(ErrorPayload) },
}
