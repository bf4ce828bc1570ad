package main

import (
	"github.com/spf13/cobra"

	"github.com/muxhq/mux/internal/config"
)

// buildServeCmd creates the "serve" command that starts the host.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Mux host",
		Long: `Start the Mux host with every recorded workspace available.

The host will:
1. Load configuration from the state directory (or --config)
2. Initialize provider clients from the configured API keys
3. Serve the HTTP command surface and websocket subscriptions
4. Expose Prometheus metrics on /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  mux serve

  # Start on a specific address with debug logging
  mux serve --addr 0.0.0.0:7633 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, addr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(),
		"Path to the JSONC configuration file")
	cmd.Flags().StringVar(&addr, "addr", "",
		"Listen address (overrides the configured server.addr)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			cmd.Println(string(schema))
			return nil
		},
	})
	return cmd
}

// buildWorkspacesCmd creates the "workspaces" command that prints the
// recorded workspaces without starting the host.
func buildWorkspacesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "List recorded workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkspaces(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(),
		"Path to the JSONC configuration file")
	return cmd
}
