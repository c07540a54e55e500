package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full nanobot runtime",
		Long: `Run the nanobot runtime: enabled channels, the message bus, the agent
engine, the cron service, and the local API server. Shuts down cleanly
on SIGINT/SIGTERM.`,
		Example: `  nanobot serve
  nanobot serve --config ./config.yaml --log-format text`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(cmd), logLevel, logFormat)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Override the configured log format (json, text)")
	return cmd
}

func buildAgentCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one agent turn from the terminal",
		Long: `Run a single agent turn without starting any channel. The reply prints
to stdout; the conversation persists under the cli session.`,
		Example: `  nanobot agent -m "what's in my workspace?"
  nanobot agent -m "continue" --session planning`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("message is required (use -m)")
			}
			return runAgent(cmd.Context(), configPath(cmd), message, sessionKey)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send to the agent")
	cmd.Flags().StringVar(&sessionKey, "session", "default", "Session name to continue")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session store",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd)
		},
	}

	show := &cobra.Command{
		Use:   "show [key]",
		Short: "Print the messages of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, args[0])
		},
	}

	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear [key]",
		Short: "Delete one session, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass a session key or --all")
			}
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runSessionsClear(cmd, key, all)
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "Delete every stored session")

	cmd.AddCommand(list, show, clearCmd)
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config tooling",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd)
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	cmd.AddCommand(schema, validate, initCmd)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nanobot %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
