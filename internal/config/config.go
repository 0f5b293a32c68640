// Package config loads and validates the broker configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Config is the root of the parley.yaml schema.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Trace   TraceConfig   `yaml:"trace"`
	Archive ArchiveConfig `yaml:"archive"`
	Session SessionConfig `yaml:"session"`
	Shell   ShellConfig   `yaml:"shell"`
}

// ServerConfig is the broker listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BridgeConfig names the decision-tracking daemon behind /bridge/. Leaving
// it unset makes /bridge/ answer 503.
type BridgeConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Configured reports whether the bridge proxy has an upstream.
func (b BridgeConfig) Configured() bool {
	return b.Host != "" && b.Port > 0
}

// AuthConfig holds the optional shared bearer token checked on join.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TraceConfig configures OTLP trace export. An empty endpoint disables
// tracing entirely.
type TraceConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// ArchiveConfig selects the event archive backend.
type ArchiveConfig struct {
	Driver string `yaml:"driver"` // "none" or "sqlite"
	Path   string `yaml:"path"`
}

// SessionConfig holds the defaults applied to new sessions, plus the
// janitor grace window for abandoned sessions.
type SessionConfig struct {
	RequireApprovalFor       []protocol.ToolCategory `yaml:"require_approval_for"`
	DefaultGateQuorum        protocol.QuorumRule     `yaml:"default_gate_quorum"`
	GateTimeoutSeconds       int                     `yaml:"gate_timeout_seconds"`
	GateTimeoutResolution    protocol.GateResolution `yaml:"gate_timeout_resolution"`
	// AllowForks is a pointer so an explicit false in the file survives
	// defaulting. Unset means true.
	AllowForks               *bool                   `yaml:"allow_forks"`
	MaxParticipants          int                     `yaml:"max_participants"`
	OrderingMode             protocol.OrderingMode   `yaml:"ordering_mode"`
	OnParticipantTimeout     protocol.TimeoutPolicy  `yaml:"on_participant_timeout"`
	HeartbeatIntervalSeconds int                     `yaml:"heartbeat_interval_seconds"`
	IdleTimeoutSeconds       int                     `yaml:"idle_timeout_seconds"`
	AwayTimeoutSeconds       int                     `yaml:"away_timeout_seconds"`
	GraceWindowSeconds       int                     `yaml:"grace_window_seconds"`
}

// ToProtocol converts the configured defaults into the wire-level session
// policy block.
func (s SessionConfig) ToProtocol() protocol.SessionConfig {
	return protocol.SessionConfig{
		RequireApprovalFor:       s.RequireApprovalFor,
		DefaultGateQuorum:        s.DefaultGateQuorum,
		GateTimeoutSeconds:       s.GateTimeoutSeconds,
		GateTimeoutResolution:    s.GateTimeoutResolution,
		AllowForks:               s.AllowForks == nil || *s.AllowForks,
		MaxParticipants:          s.MaxParticipants,
		OrderingMode:             s.OrderingMode,
		OnParticipantTimeout:     s.OnParticipantTimeout,
		HeartbeatIntervalSeconds: s.HeartbeatIntervalSeconds,
		IdleTimeoutSeconds:       s.IdleTimeoutSeconds,
		AwayTimeoutSeconds:       s.AwayTimeoutSeconds,
	}
}

// ShellConfig bounds the built-in shell tool.
type ShellConfig struct {
	Workspace             string `yaml:"workspace"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	MaxOutputBytes        int    `yaml:"max_output_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "none"
	}
	if c.Trace.SampleRate == 0 {
		c.Trace.SampleRate = 1.0
	}

	s := &c.Session
	if s.DefaultGateQuorum.Type == "" {
		s.DefaultGateQuorum = protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1}
	}
	if s.GateTimeoutResolution == "" {
		s.GateTimeoutResolution = protocol.ResolutionRejected
	}
	if s.AllowForks == nil {
		allow := true
		s.AllowForks = &allow
	}
	if s.OrderingMode == "" {
		s.OrderingMode = protocol.OrderingCausal
	}
	if s.OnParticipantTimeout == "" {
		s.OnParticipantTimeout = protocol.TimeoutWait
	}
	if s.HeartbeatIntervalSeconds == 0 {
		s.HeartbeatIntervalSeconds = 15
	}
	if s.IdleTimeoutSeconds == 0 {
		s.IdleTimeoutSeconds = 120
	}
	if s.AwayTimeoutSeconds == 0 {
		s.AwayTimeoutSeconds = 600
	}
	if s.GraceWindowSeconds == 0 {
		s.GraceWindowSeconds = 900
	}
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown", c.Log.Format)
	}
	switch c.Archive.Driver {
	case "none":
	case "sqlite":
		if c.Archive.Path == "" {
			return fmt.Errorf("archive.driver sqlite requires archive.path")
		}
	default:
		return fmt.Errorf("archive.driver %q unknown", c.Archive.Driver)
	}
	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		return fmt.Errorf("trace.sample_rate %v out of range", c.Trace.SampleRate)
	}

	s := c.Session
	if err := s.DefaultGateQuorum.Validate(); err != nil {
		return fmt.Errorf("session.default_gate_quorum: %w", err)
	}
	switch s.GateTimeoutResolution {
	case protocol.ResolutionRejected, protocol.ResolutionAutoApproved, protocol.ResolutionEscalated:
	default:
		return fmt.Errorf("session.gate_timeout_resolution %q unknown", s.GateTimeoutResolution)
	}
	switch s.OrderingMode {
	case protocol.OrderingCausal, protocol.OrderingTotal:
	default:
		return fmt.Errorf("session.ordering_mode %q unknown", s.OrderingMode)
	}
	switch s.OnParticipantTimeout {
	case protocol.TimeoutWait, protocol.TimeoutSkip, protocol.TimeoutPauseSession:
	default:
		return fmt.Errorf("session.on_participant_timeout %q unknown", s.OnParticipantTimeout)
	}
	if s.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("session.heartbeat_interval_seconds must be >= 1")
	}
	return nil
}
