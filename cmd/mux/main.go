// Package main provides the CLI entry point for the Mux workspace host.
//
// Mux runs AI coding agents across isolated git workspaces. Each workspace
// gets its own branch, working tree, and streaming agent session, served
// over an HTTP command surface with websocket event subscriptions.
//
// # Basic Usage
//
// Start the host:
//
//	mux serve --config ~/.mux/config.json
//
// List known workspaces:
//
//	mux workspaces
//
// # Environment Variables
//
//   - MUX_HOME: State directory (default: ~/.mux)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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
		Use:          "mux",
		Short:        "Mux - Multi-workspace AI coding agent host",
		Long:         "Mux runs AI coding agents across isolated git workspaces,\neach on its own branch with a streaming chat session.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkspacesCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
