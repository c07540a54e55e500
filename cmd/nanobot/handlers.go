package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zekis/nanobot/internal/agent"
	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/internal/hooks"
	"github.com/zekis/nanobot/internal/providers"
	"github.com/zekis/nanobot/internal/session"
	"github.com/zekis/nanobot/internal/skills"
	"github.com/zekis/nanobot/internal/tools"
	"github.com/zekis/nanobot/internal/workspace"
	"github.com/zekis/nanobot/pkg/models"
)

// runAgent runs one direct turn with the full toolset but no channels.
func runAgent(ctx context.Context, configPath, text, sessionName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Logging, "", "")

	workspacePath := cfg.WorkspacePath()
	if _, err := workspace.EnsureWorkspace(workspacePath); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	provider, err := providers.New(cfg)
	if err != nil {
		return err
	}
	store, err := session.NewStore("", session.WithStoreLogger(logger))
	if err != nil {
		return err
	}

	b := bus.New(cfg.Bus.QueueSize, bus.WithLogger(logger))
	registry := tools.NewRegistry(tools.WithLogger(logger))
	_, subMgr, err := buildToolset(cfg, b, registry, provider, workspacePath, logger)
	if err != nil {
		return err
	}

	emitter := hooks.NewEmitter(cfg.Hooks, hooks.WithLogger(logger))
	defer emitter.Close()

	skillsLoader := skills.NewLoader(cfg.SkillsPath(), skills.WithLogger(logger))
	if err := skillsLoader.Load(); err != nil {
		logger.Warn("skills load failed", "error", err)
	}

	var memoryClient *agent.MemoryClient
	if cfg.Memory.Enabled {
		memoryClient = agent.NewMemoryClient(cfg.Memory, logger)
	}

	builder := agent.NewContextBuilder(workspacePath, skillsLoader)
	engine := agent.NewEngine(b, provider, store, registry, builder, agent.Options{
		Model:             cfg.Agents.Defaults.Model,
		MaxTokens:         cfg.Agents.Defaults.MaxTokens,
		Temperature:       cfg.Agents.Defaults.Temperature,
		MaxToolIterations: cfg.Agents.Defaults.MaxToolIterations,
		Workspace:         workspacePath,
		Debug:             cfg.Debug,
		Memory:            memoryClient,
		Emitter:           emitter,
		Logger:            logger,
	})

	reply, err := engine.ProcessDirect(ctx, text, models.ChannelCLI, sessionName)
	if err != nil {
		return err
	}
	fmt.Println(reply)

	// Give spawned subagents a moment before the process exits.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	_ = subMgr.Shutdown(stopCtx)
	return nil
}

func runSessionsList(cmd *cobra.Command) error {
	store, err := session.NewStore("")
	if err != nil {
		return err
	}
	infos := store.List()
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stored sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tUPDATED\tCREATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Key,
			info.UpdatedAt.Local().Format("2006-01-02 15:04"),
			info.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, key string) error {
	store, err := session.NewStore("")
	if err != nil {
		return err
	}
	found := false
	for _, info := range store.List() {
		if info.Key == key {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("session %q not found", key)
	}

	sess := store.GetOrCreate(key)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s (%d messages, updated %s)\n\n",
		sess.Key, len(sess.Messages), sess.UpdatedAt.Local().Format("2006-01-02 15:04"))
	for _, msg := range sess.Messages {
		ts := msg.Timestamp.Local().Format("01-02 15:04")
		switch msg.Role {
		case session.RoleTool:
			fmt.Fprintf(out, "[%s] tool(%s): %s\n", ts, msg.Name, truncate(msg.Content, 200))
		default:
			fmt.Fprintf(out, "[%s] %s: %s\n", ts, msg.Role, msg.Content)
		}
	}
	return nil
}

func runSessionsClear(cmd *cobra.Command, key string, all bool) error {
	store, err := session.NewStore("")
	if err != nil {
		return err
	}
	if all {
		removed := 0
		for _, info := range store.List() {
			if store.Delete(info.Key) {
				removed++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions.\n", removed)
		return nil
	}
	if !store.Delete(key) {
		return fmt.Errorf("session %q not found", key)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed session %s.\n", key)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

func runConfigValidate(cmd *cobra.Command) error {
	path := configPath(cmd)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (model %s, workspace %s)\n",
		path, cfg.Agents.Defaults.Model, cfg.WorkspacePath())
	return nil
}

const starterConfig = `# nanobot configuration
# Env overrides: NANOBOT_<SECTION>__<KEY>, e.g. NANOBOT_GATEWAY__PORT=18790

agents:
  defaults:
    workspace: "~/.nanobot/workspace"
    model: "anthropic/claude-opus-4-5"
    max_tokens: 8192
    temperature: 0.7

providers:
  anthropic:
    api_key: ""
  openrouter:
    api_key: ""

channels:
  telegram:
    enabled: false
    token: ""
    allow_from: []
  discord:
    enabled: false
    token: ""
  slack:
    enabled: false
    app_token: ""
    bot_token: ""
  whatsapp:
    enabled: false
    bridge_url: "ws://localhost:3001"
  feishu:
    enabled: false
    app_id: ""
    app_secret: ""

gateway:
  host: "0.0.0.0"
  port: 18790

tools:
  restrict_to_workspace: true
  web:
    search:
      api_key: ""

cron:
  enabled: true

logging:
  level: "info"
  format: "json"
`

func runConfigInit(cmd *cobra.Command, force bool) error {
	path := configPath(cmd)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
