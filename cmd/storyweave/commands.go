// commands.go contains the cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to its
// handler in serve.go or token.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storyweave/realtime/internal/config"
)

// buildServeCmd creates the "serve" command that starts the realtime server.
// This is the primary command for running the engine in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		Long: `Start the realtime server with the channel registry, event
dispatcher, collaboration sessions, presence tracking, and the SSE and
WebSocket streaming endpoints.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  storyweave serve

  # Start with custom config
  storyweave serve --config /etc/storyweave/production.yaml

  # Start with debug logging
  storyweave serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildTokenCmd creates the "token" command that mints a development JWT
// signed with the configured secret.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		userName   string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development API token",
		Long: `Mint a signed API token for local development and testing.

The token carries the user id, display name, and role, and is signed with
the jwt_secret from the configuration file.`,
		Example: `  storyweave token --user alice --name Alice --role writer
  storyweave token --user mentor-1 --role mentor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(resolveConfigPath(configPath), userID, userName, role)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (required)")
	cmd.Flags().StringVar(&userName, "name", "", "Display name")
	cmd.Flags().StringVarP(&role, "role", "r", "writer",
		"Role: writer, mentor, moderator, or admin")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigInitCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: ok\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

func buildConfigInitCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
			}
			if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to write")
	return cmd
}

const starterConfig = `server:
  host: 0.0.0.0
  port: 8080

auth:
  # Set STORYWEAVE_JWT_SECRET in the environment.
  jwt_secret: ${STORYWEAVE_JWT_SECRET}
  token_expiry: 24h

realtime:
  typing_ttl: 5s
  heartbeat_interval: 30s
  presence_timeout: 90s
  lock_ttl: 30s
  channel_idle_timeout: 30m
  session_idle_timeout: 24h
  rate_limit_per_minute: 120

journal:
  enabled: true
  path: storyweave.db
  retention_hours: 24
  purge_schedule: "@hourly"

logging:
  level: info
  format: json
`
