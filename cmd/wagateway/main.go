// Package main provides the CLI entry point for the wagateway connection
// lifecycle manager.
//
// wagateway keeps device-paired messaging sessions alive for many tenants:
// QR and phone-number pairing, credential persistence, close-code aware
// reconnection with exponential backoff, and a small HTTP surface for
// status, health and metrics.
//
// # Basic Usage
//
// Start the server:
//
//	wagateway serve --config wagateway.yaml
//
// Check tenant status against a running server:
//
//	wagateway status
//	wagateway status --tenant acme
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagateway",
		Short: "wagateway - multi-tenant messaging gateway lifecycle manager",
		Long: `wagateway manages device-paired messaging sessions for many tenants.

It handles QR and phone-number pairing, persists credentials across
restarts, classifies connection close codes and reconnects with
exponential backoff where that can help.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
