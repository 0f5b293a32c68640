package main

import (
	"os"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the broker.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley coordination broker",
		Long: `Start the broker with the WebSocket listener, approval gates and
(optionally) the bridge proxy and /metrics endpoint.

Graceful shutdown is handled on SIGINT/SIGTERM: every open session observes
a session.end event before connections drop.`,
		Example: `  # Start with default config
  parley serve

  # Start with custom config
  parley serve --config /etc/parley/production.yaml

  # Override the listen address
  parley serve --host 0.0.0.0 --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: resolveConfigPath(configPath),
				host:       host,
				port:       port,
				debug:      debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildAgentCmd creates the "agent" command that attaches a model-backed
// participant to a running broker.
func buildAgentCmd() *cobra.Command {
	var opts agentOptions

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent participant against a broker",
		Long: `Connect to a running broker as an agent participant.

The agent consumes prompts from the session, streams model responses back,
and proposes tool calls that may pause on approval gates. The Anthropic API
key is read from ANTHROPIC_API_KEY.`,
		Example: `  # Join the "planning" session as agent "scout"
  parley agent --server ws://127.0.0.1:8787/ws --session planning --name scout

  # Pin the model and grant a workspace for shell commands
  parley agent --session planning --name scout \
    --model claude-sonnet-4-5 --workspace ./repo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.session == "" {
				return cmd.Usage()
			}
			return runAgent(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.serverURL, "server", "ws://127.0.0.1:8787/ws", "Broker WebSocket URL")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session to join (required)")
	cmd.Flags().StringVar(&opts.name, "name", "agent", "Participant name")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model identifier (provider default when empty)")
	cmd.Flags().StringVar(&opts.system, "system", "", "System prompt")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "Working directory for shell tool runs")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("PARLEY_AUTH_TOKEN"), "Join token")

	return cmd
}

// resolveConfigPath applies the PARLEY_CONFIG fallback and the parley.yaml
// default, keeping an explicit --config untouched.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PARLEY_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("parley.yaml"); err == nil {
		return "parley.yaml"
	}
	return ""
}
