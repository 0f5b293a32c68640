package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/providers"
	"github.com/parleyhq/parley/internal/shell"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/pkg/protocol"
)

type agentOptions struct {
	serverURL string
	session   string
	name      string
	model     string
	system    string
	workspace string
	token     string
}

// runAgent implements the agent command: dial the broker, join the session
// and hand every inbound event to the orchestrator until interrupted.
func runAgent(ctx context.Context, opts agentOptions) error {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	logger := slog.Default().With("session", opts.session, "agent", opts.name)

	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: opts.model,
	})
	if err != nil {
		return fmt.Errorf("initialize provider: %w", err)
	}

	tools := agent.NewToolRegistry()
	workspace := opts.workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	runner := shell.NewRunner(logger, workspace, 0)
	tools.Register(agent.NewShellTool(runner, workspace, logger))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := transport.NewClient(opts.serverURL, logger)
	orch := agent.NewOrchestrator(agent.Options{
		ParticipantID: opts.name,
		Session:       opts.session,
		Provider:      provider,
		Tools:         tools,
		Sender:        client,
		Logger:        logger,
		Model:         opts.model,
		System:        opts.system,
	})
	client.OnMessage(orch.Deliver)
	client.OnClose(cancel)

	if err := client.Dial(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	join := protocol.New(protocol.TypeSessionJoin, opts.session, opts.name,
		&protocol.SessionJoinPayload{
			Participant: protocol.ParticipantInfo{
				ID:   opts.name,
				Name: opts.name,
				Type: protocol.ParticipantAgent,
			},
			SupportedVersions: []int{protocol.Version},
			Token:             opts.token,
		})
	if err := client.Send(join); err != nil {
		_ = client.Close()
		return fmt.Errorf("join session: %w", err)
	}
	logger.Info("joined session", "server", opts.serverURL)

	orch.Run(ctx)

	leave := protocol.New(protocol.TypeSessionLeave, opts.session, opts.name,
		&protocol.SessionLeavePayload{Reason: "agent shutting down"})
	_ = client.Send(leave)
	time.Sleep(100 * time.Millisecond) // let the leave flush
	return client.Close()
}
