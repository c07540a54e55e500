package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zekis/nanobot/internal/agent"
	"github.com/zekis/nanobot/internal/agent/subagents"
	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/internal/channels/api"
	"github.com/zekis/nanobot/internal/channels/discord"
	"github.com/zekis/nanobot/internal/channels/feishu"
	"github.com/zekis/nanobot/internal/channels/raven"
	"github.com/zekis/nanobot/internal/channels/slack"
	"github.com/zekis/nanobot/internal/channels/telegram"
	"github.com/zekis/nanobot/internal/channels/whatsapp"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/internal/cron"
	"github.com/zekis/nanobot/internal/hooks"
	"github.com/zekis/nanobot/internal/observability"
	"github.com/zekis/nanobot/internal/providers"
	"github.com/zekis/nanobot/internal/session"
	"github.com/zekis/nanobot/internal/skills"
	"github.com/zekis/nanobot/internal/tools"
	"github.com/zekis/nanobot/internal/tools/files"
	"github.com/zekis/nanobot/internal/tools/gateway"
	"github.com/zekis/nanobot/internal/tools/message"
	"github.com/zekis/nanobot/internal/tools/shell"
	"github.com/zekis/nanobot/internal/tools/spawn"
	"github.com/zekis/nanobot/internal/tools/web"
	"github.com/zekis/nanobot/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// runServe assembles and runs the full runtime: workspace, bus, tools,
// engine, channels, cron. It blocks until the context is cancelled or a
// termination signal arrives.
func runServe(ctx context.Context, configPath, logLevel, logFormat string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Logging, logLevel, logFormat)

	workspacePath := cfg.WorkspacePath()
	created, err := workspace.EnsureWorkspace(workspacePath)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	if len(created) > 0 {
		logger.Info("workspace seeded", "path", workspacePath, "files", created)
	}

	provider, err := providers.New(cfg)
	if err != nil {
		return err
	}

	store, err := session.NewStore("", session.WithStoreLogger(logger))
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	b := bus.New(cfg.Bus.QueueSize, bus.WithLogger(logger), bus.WithMetrics(metrics))

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	emitter := hooks.NewEmitter(cfg.Hooks, hooks.WithLogger(logger))
	defer emitter.Close()

	skillsLoader := skills.NewLoader(cfg.SkillsPath(), skills.WithLogger(logger))
	if err := skillsLoader.Load(); err != nil {
		logger.Warn("skills load failed", "error", err)
	}
	if cfg.Skills.Watch {
		if err := skillsLoader.StartWatching(runCtx); err != nil {
			logger.Warn("skills watch failed", "error", err)
		}
	}
	defer skillsLoader.Close()

	registry := tools.NewRegistry(tools.WithLogger(logger), tools.WithMetrics(metrics))
	cronSvc, subMgr, err := buildToolset(cfg, b, registry, provider, workspacePath, logger)
	if err != nil {
		return err
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
		Context:           session.DefaultContextOptions(),
		Memory:            memoryClient,
		Emitter:           emitter,
		TaskSync: agent.TaskSyncConfig{
			WebhookURL:   cfg.Hooks.WebhookURL,
			Auth:         cfg.Hooks.WebhookAuth,
			NanobotToken: cfg.Hooks.NanobotToken,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	channelRegistry := channels.NewRegistry(b, channels.WithLogger(logger), channels.WithMetrics(metrics))
	registerChannels(cfg, b, channelRegistry, workspacePath, logger)

	if err := channelRegistry.StartAll(runCtx); err != nil {
		return err
	}
	channelRegistry.StartDispatch(runCtx)

	if cronSvc != nil {
		if err := cronSvc.Start(runCtx); err != nil {
			return fmt.Errorf("start cron: %w", err)
		}
	}

	logger.Info("nanobot running",
		"model", cfg.Agents.Defaults.Model,
		"channels", channelRegistry.Names(),
		"tools", registry.Names(),
	)

	runErr := engine.Run(runCtx)

	// runCtx is done here; give shutdown its own deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if cronSvc != nil {
		if err := cronSvc.Stop(stopCtx); err != nil {
			logger.Warn("cron stop", "error", err)
		}
	}
	if err := subMgr.Shutdown(stopCtx); err != nil {
		logger.Warn("subagents shutdown", "error", err)
	}
	if err := channelRegistry.StopAll(stopCtx); err != nil {
		logger.Warn("channel stop", "error", err)
	}
	channelRegistry.Wait()

	logger.Info("nanobot stopped")
	return runErr
}

// buildToolset registers the local tool suite plus the config-driven
// cron and gateway tools. The returned cron service is not started; the
// subagent manager is always created so spawn works everywhere.
func buildToolset(cfg *config.Config, b *bus.MessageBus, registry *tools.Registry, provider providers.LLMProvider, workspacePath string, logger *slog.Logger) (*cron.Service, *subagents.Manager, error) {
	register := func(ts ...tools.Tool) error {
		for _, t := range ts {
			if err := registry.Register(t); err != nil {
				return err
			}
		}
		return nil
	}

	local := files.NewTools(files.Config{
		Workspace: workspacePath,
		Restrict:  cfg.Tools.RestrictToWorkspace,
	})
	local = append(local,
		shell.NewExecTool(shell.Config{
			Workspace: workspacePath,
			Timeout:   time.Duration(cfg.Tools.Exec.Timeout) * time.Second,
		}),
		web.NewSearchTool(web.SearchConfig{
			APIKey:     cfg.Tools.Web.Search.APIKey,
			MaxResults: cfg.Tools.Web.Search.MaxResults,
		}),
		web.NewFetchTool(web.FetchConfig{MaxChars: cfg.Tools.Web.Fetch.MaxChars}),
		message.NewTool(b),
	)
	if err := register(local...); err != nil {
		return nil, nil, err
	}

	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		cronSvc = cron.NewService(b,
			cron.WithLogger(logger),
			cron.WithStorePath(filepath.Join(workspacePath, "cron", "jobs.json")),
		)
		if err := register(cron.NewTool(cronSvc)); err != nil {
			return nil, nil, err
		}
	}

	if err := register(gateway.LoadTools(cfg.Gateway, gateway.WithLogger(logger))...); err != nil {
		return nil, nil, err
	}

	subMgr := subagents.NewManager(provider, registry, b, cfg.Agents.Defaults.Model,
		subagents.WithLogger(logger),
		subagents.WithMaxIterations(cfg.Agents.Defaults.MaxToolIterations),
	)
	if err := register(spawn.NewTool(subMgr)); err != nil {
		return nil, nil, err
	}
	return cronSvc, subMgr, nil
}

// registerChannels adds the API channel unconditionally and every
// enabled chat adapter.
func registerChannels(cfg *config.Config, b *bus.MessageBus, reg *channels.Registry, workspacePath string, logger *slog.Logger) {
	reg.Register(api.New(cfg.Gateway, b, logger))

	if cfg.Channels.Telegram.Enabled {
		reg.Register(telegram.New(cfg.Channels.Telegram, b, logger))
	}
	if cfg.Channels.Discord.Enabled {
		reg.Register(discord.New(cfg.Channels.Discord, b, logger))
	}
	if cfg.Channels.Slack.Enabled {
		reg.Register(slack.New(cfg.Channels.Slack, b, logger))
	}
	if cfg.Channels.WhatsApp.Enabled {
		reg.Register(whatsapp.New(cfg.Channels.WhatsApp, b, logger))
	}
	if cfg.Channels.Feishu.Enabled {
		reg.Register(feishu.New(cfg.Channels.Feishu, b, logger))
	}
	if cfg.Channels.Raven.Enabled {
		reg.Register(raven.New(workspacePath, logger))
	}
}

// setupLogging installs the process-wide logger from config, with flag
// overrides winning.
func setupLogging(cfg config.LoggingConfig, levelOverride, formatOverride string) *slog.Logger {
	level := cfg.Level
	if levelOverride != "" {
		level = levelOverride
	}
	format := cfg.Format
	if formatOverride != "" {
		format = formatOverride
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
