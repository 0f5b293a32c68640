package protocol

// Version is the protocol schema generation carried by every envelope.
const Version = 1

// SenderSystem is the reserved sender id for broker-originated envelopes.
const SenderSystem = "system"

// MessageType discriminates envelope payloads.
type MessageType string

// The closed set of message types.
const (
	TypeSessionCreate       MessageType = "session.create"
	TypeSessionJoin         MessageType = "session.join"
	TypeSessionLeave        MessageType = "session.leave"
	TypeSessionEnd          MessageType = "session.end"
	TypeSessionConfigUpdate MessageType = "session.config_update"

	TypeParticipantAnnounce   MessageType = "participant.announce"
	TypeParticipantRoleChange MessageType = "participant.role_change"

	TypeHeartbeatPing  MessageType = "heartbeat.ping"
	TypeHeartbeatPong  MessageType = "heartbeat.pong"
	TypePresenceUpdate MessageType = "presence.update"

	TypeContextAdd    MessageType = "context.add"
	TypeContextUpdate MessageType = "context.update"
	TypeContextRemove MessageType = "context.remove"

	TypeSecretShare  MessageType = "secret.share"
	TypeSecretRevoke MessageType = "secret.revoke"

	TypePromptDraft  MessageType = "prompt.draft"
	TypePromptSubmit MessageType = "prompt.submit"
	TypePromptAmend  MessageType = "prompt.amend"

	TypeThinkingStart MessageType = "thinking.start"
	TypeThinkingChunk MessageType = "thinking.chunk"
	TypeThinkingEnd   MessageType = "thinking.end"

	TypeResponseStart MessageType = "response.start"
	TypeResponseChunk MessageType = "response.chunk"
	TypeResponseEnd   MessageType = "response.end"

	TypeToolPropose MessageType = "tool.propose"
	TypeToolApprove MessageType = "tool.approve"
	TypeToolReject  MessageType = "tool.reject"
	TypeToolExecute MessageType = "tool.execute"
	TypeToolOutput  MessageType = "tool.output"
	TypeToolResult  MessageType = "tool.result"

	TypeGateRequest MessageType = "gate.request"
	TypeGateApprove MessageType = "gate.approve"
	TypeGateReject  MessageType = "gate.reject"
	TypeGateTimeout MessageType = "gate.timeout"

	TypeInterruptRaise       MessageType = "interrupt.raise"
	TypeInterruptAcknowledge MessageType = "interrupt.acknowledge"

	TypeForkCreate   MessageType = "fork.create"
	TypeForkSwitch   MessageType = "fork.switch"
	TypeMergePropose MessageType = "merge.propose"
	TypeMergeExecute MessageType = "merge.execute"

	TypeError MessageType = "error"
)

// Valid reports whether t belongs to the closed message-type set.
func (t MessageType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// ParticipantType distinguishes humans from agents.
type ParticipantType string

const (
	ParticipantHuman ParticipantType = "human"
	ParticipantAgent ParticipantType = "agent"
)

// Role is a session role carried by a participant.
type Role string

const (
	RoleDriver    Role = "driver"
	RoleNavigator Role = "navigator"
	RoleAdversary Role = "adversary"
	RoleObserver  Role = "observer"
	RoleApprover  Role = "approver"
	RoleAdmin     Role = "admin"
)

// Capability is a fine-grained permission carried by a participant.
type Capability string

const (
	CapPrompt             Capability = "prompt"
	CapApprove            Capability = "approve"
	CapInterrupt          Capability = "interrupt"
	CapFork               Capability = "fork"
	CapAddContext         Capability = "add_context"
	CapManageParticipants Capability = "manage_participants"
	CapEndSession         Capability = "end_session"
)

// Presence is the liveness state of a participant.
type Presence string

const (
	PresenceActive       Presence = "active"
	PresenceIdle         Presence = "idle"
	PresenceAway         Presence = "away"
	PresenceDisconnected Presence = "disconnected"
)

// ContentType classifies context-item content.
type ContentType string

const (
	ContentText            ContentType = "text"
	ContentFile            ContentType = "file"
	ContentReference       ContentType = "reference"
	ContentStructured      ContentType = "structured"
	ContentImage           ContentType = "image"
	ContentAudioTranscript ContentType = "audio_transcript"
)

// ToolCategory classifies proposed tool actions for approval policy.
type ToolCategory string

const (
	CategoryFileRead     ToolCategory = "file_read"
	CategoryFileWrite    ToolCategory = "file_write"
	CategoryFileDelete   ToolCategory = "file_delete"
	CategoryShellExecute ToolCategory = "shell_execute"
	CategoryNetwork      ToolCategory = "network_request"
	CategoryDeploy       ToolCategory = "deploy"
	CategoryDatabase     ToolCategory = "database"
	CategorySecretAccess ToolCategory = "secret_access"
	CategoryExternalAPI  ToolCategory = "external_api"
	CategoryAll          ToolCategory = "all"
)

// RiskLevel grades how dangerous a proposed action is.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// FinishReason explains why a response stream ended.
type FinishReason string

const (
	FinishComplete    FinishReason = "complete"
	FinishToolUse     FinishReason = "tool_use"
	FinishInterrupted FinishReason = "interrupted"
	FinishError       FinishReason = "error"
)

// GateResolution is the outcome applied when a gate times out.
type GateResolution string

const (
	ResolutionRejected     GateResolution = "rejected"
	ResolutionAutoApproved GateResolution = "auto_approved"
	ResolutionEscalated    GateResolution = "escalated"
)

// InterruptUrgency grades an interrupt.
type InterruptUrgency string

const (
	UrgencyNormal    InterruptUrgency = "normal"
	UrgencyEmergency InterruptUrgency = "emergency"
)

// InterruptAction describes what an agent did in response to an interrupt.
type InterruptAction string

const (
	ActionPaused       InterruptAction = "paused"
	ActionStopped      InterruptAction = "stopped"
	ActionAcknowledged InterruptAction = "acknowledged"
	ActionIgnored      InterruptAction = "ignored"
)

// OrderingMode selects how a session's log is ordered.
type OrderingMode string

const (
	OrderingCausal OrderingMode = "causal"
	OrderingTotal  OrderingMode = "total"
)

// TimeoutPolicy selects broker behavior when a participant stops heartbeating.
type TimeoutPolicy string

const (
	TimeoutWait         TimeoutPolicy = "wait"
	TimeoutSkip         TimeoutPolicy = "skip"
	TimeoutPauseSession TimeoutPolicy = "pause_session"
)

// FinalState is the terminal disposition of an ended session.
type FinalState string

const (
	FinalCompleted FinalState = "completed"
	FinalAborted   FinalState = "aborted"
)

// SessionConfig is the per-session policy block. It travels on the wire in
// session.create and session.config_update payloads.
type SessionConfig struct {
	RequireApprovalFor       []ToolCategory `json:"require_approval_for,omitempty"`
	DefaultGateQuorum        QuorumRule     `json:"default_gate_quorum"`
	GateTimeoutSeconds       int            `json:"gate_timeout_seconds,omitempty"`
	GateTimeoutResolution    GateResolution `json:"gate_timeout_resolution,omitempty"`
	AllowForks               bool           `json:"allow_forks"`
	MaxParticipants          int            `json:"max_participants,omitempty"`
	OrderingMode             OrderingMode   `json:"ordering_mode"`
	OnParticipantTimeout     TimeoutPolicy  `json:"on_participant_timeout"`
	HeartbeatIntervalSeconds int            `json:"heartbeat_interval_seconds"`
	IdleTimeoutSeconds       int            `json:"idle_timeout_seconds"`
	AwayTimeoutSeconds       int            `json:"away_timeout_seconds"`
}

// DefaultSessionConfig returns the stock policy applied to auto-created
// sessions: quorum any(1), nothing forced through approval, causal ordering.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultGateQuorum:        QuorumRule{Type: QuorumAny, Count: 1},
		GateTimeoutResolution:    ResolutionRejected,
		AllowForks:               true,
		OrderingMode:             OrderingCausal,
		OnParticipantTimeout:     TimeoutWait,
		HeartbeatIntervalSeconds: 15,
		IdleTimeoutSeconds:       120,
		AwayTimeoutSeconds:       600,
	}
}
