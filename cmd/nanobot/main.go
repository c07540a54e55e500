// Package main is the nanobot CLI entry point.
//
// nanobot connects chat channels (Telegram, Discord, Slack, WhatsApp,
// Feishu, Raven) to LLM providers and runs an agent loop with file,
// shell, web, messaging, scheduling, and gateway tools.
//
// Start the runtime:
//
//	nanobot serve --config ~/.nanobot/config.yaml
//
// Talk to the agent from the terminal:
//
//	nanobot agent -m "summarize today's notes"
//
// Environment variables prefixed NANOBOT_ override config keys, nested
// levels joined by __ (e.g. NANOBOT_GATEWAY__PORT=18790). A .env file
// in the working directory is loaded at startup when present.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zekis/nanobot/internal/config"
)

// Populated by ldflags:
//
//	go build -ldflags "-X main.version=v0.4.0 -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Best effort; most deployments configure through the file or env.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nanobot",
		Short:        "nanobot - a tiny multi-channel AI agent",
		Long:         "nanobot runs an LLM agent across chat channels with file, shell, web, and scheduling tools.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", config.DefaultPath(), "Path to the config file")

	root.AddCommand(
		buildServeCmd(),
		buildAgentCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return root
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	return path
}
