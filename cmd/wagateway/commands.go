// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler.
package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway lifecycle manager",
		Long: `Start the gateway lifecycle manager.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the credential store
3. Auto-connect any tenants listed in the configuration
4. Start the periodic connection health sweep
5. Serve status, health and metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals. Credentials are
kept so tenants resume on the next start.`,
		Example: `  # Start with default config
  wagateway serve

  # Start with custom config
  wagateway serve --config /etc/wagateway/production.yaml

  # Start with debug logging
  wagateway serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wagateway.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

// buildStatusCmd creates the "status" command that queries a running server.
func buildStatusCmd() *cobra.Command {
	var (
		addr   string
		tenant string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant connection status from a running server",
		Example: `  # All tenants
  wagateway status

  # One tenant
  wagateway status --tenant acme

  # Against a remote server
  wagateway status --addr gateway.internal:8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr, tenant)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "Server address (host:port)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Limit output to one tenant")

	return cmd
}
