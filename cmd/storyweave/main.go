// Package main provides the CLI entry point for the StoryWeave realtime
// engine.
//
// # Basic Usage
//
// Start the server:
//
//	storyweave serve --config storyweave.yaml
//
// Mint a development token:
//
//	storyweave token --user alice --role writer
//
// # Environment Variables
//
//   - STORYWEAVE_CONFIG: Path to configuration file (default: storyweave.yaml)
//   - STORYWEAVE_JWT_SECRET: HMAC secret for API tokens (referenced from the
//     config file via ${STORYWEAVE_JWT_SECRET})
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

const defaultConfigPath = "storyweave.yaml"

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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "storyweave",
		Short: "StoryWeave realtime collaboration engine",
		Long: `StoryWeave's realtime engine delivers live events to story editors:
channel pub/sub, collaborative editing sessions with document locks,
typing indicators, and presence, streamed over SSE and WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the STORYWEAVE_CONFIG override when the flag was
// left at its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != defaultConfigPath {
		return flagValue
	}
	if env := os.Getenv("STORYWEAVE_CONFIG"); env != "" {
		return env
	}
	return flagValue
}
