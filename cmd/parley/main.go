// Package main provides the CLI entry point for the Parley coordination broker.
//
// Parley keeps humans and AI agents in one shared session: every prompt,
// response, tool proposal and approval flows through a single ordered event
// log, and risky tool calls block on human approval gates.
//
// # Basic Usage
//
// Start the broker:
//
//	parley serve --config parley.yaml
//
// Attach an agent participant to a running broker:
//
//	parley agent --server ws://127.0.0.1:8787/ws --session planning --name scout
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY: API key used by the agent subcommand
//   - PARLEY_AUTH_TOKEN: Shared join token, if the broker requires one
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - Real-time human/agent coordination broker",
		Long: `Parley brokers collaborative sessions between humans and AI agents.

Participants join a session over WebSocket and share one ordered event log:
prompts, streamed responses, tool proposals, approval gates and context items.
Risky tool calls pause on gates until the session's quorum rule is satisfied.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
