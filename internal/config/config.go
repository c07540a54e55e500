// Package config defines the nanobot configuration schema and loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	Agents    AgentsConfig              `yaml:"agents" json:"agents"`
	Channels  ChannelsConfig            `yaml:"channels" json:"channels"`
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Gateway   GatewayConfig             `yaml:"gateway" json:"gateway"`
	Tools     ToolsConfig               `yaml:"tools" json:"tools"`
	Bus       BusConfig                 `yaml:"bus" json:"bus"`
	Hooks     HooksConfig               `yaml:"hooks" json:"hooks"`
	Memory    MemoryConfig              `yaml:"memory" json:"memory"`
	Cron      CronConfig                `yaml:"cron" json:"cron"`
	Skills    SkillsConfig              `yaml:"skills" json:"skills"`
	Logging   LoggingConfig             `yaml:"logging" json:"logging"`
	Debug     DebugConfig               `yaml:"debug" json:"debug"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults" json:"defaults"`
}

type AgentDefaults struct {
	Workspace         string  `yaml:"workspace" json:"workspace"`
	Model             string  `yaml:"model" json:"model"`
	MaxTokens         int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature       float64 `yaml:"temperature" json:"temperature"`
	MaxToolIterations int     `yaml:"max_tool_iterations" json:"max_tool_iterations"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp" json:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Discord  DiscordConfig  `yaml:"discord" json:"discord"`
	Feishu   FeishuConfig   `yaml:"feishu" json:"feishu"`
	Slack    SlackConfig    `yaml:"slack" json:"slack"`
	Raven    RavenConfig    `yaml:"raven" json:"raven"`
}

type WhatsAppConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	BridgeURL string   `yaml:"bridge_url" json:"bridge_url"`
	AllowFrom []string `yaml:"allow_from" json:"allow_from"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Token     string   `yaml:"token" json:"token"`
	AllowFrom []string `yaml:"allow_from" json:"allow_from"`
	// Proxy is an HTTP or SOCKS5 proxy URL, e.g. "socks5://127.0.0.1:1080".
	Proxy string `yaml:"proxy" json:"proxy"`
}

type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Token     string   `yaml:"token" json:"token"`
	AllowFrom []string `yaml:"allow_from" json:"allow_from"`
	// Intents defaults to GUILDS + GUILD_MESSAGES + DIRECT_MESSAGES +
	// MESSAGE_CONTENT.
	Intents int `yaml:"intents" json:"intents"`
}

type FeishuConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	AppID             string   `yaml:"app_id" json:"app_id"`
	AppSecret         string   `yaml:"app_secret" json:"app_secret"`
	EncryptKey        string   `yaml:"encrypt_key" json:"encrypt_key"`
	VerificationToken string   `yaml:"verification_token" json:"verification_token"`
	ListenAddr        string   `yaml:"listen_addr" json:"listen_addr"`
	AllowFrom         []string `yaml:"allow_from" json:"allow_from"`
}

type SlackConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	AppToken  string   `yaml:"app_token" json:"app_token"`
	BotToken  string   `yaml:"bot_token" json:"bot_token"`
	AllowFrom []string `yaml:"allow_from" json:"allow_from"`
}

type RavenConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// ProviderConfig holds credentials for one LLM provider or gateway.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	APIBase string `yaml:"api_base" json:"api_base"`
	// ExtraHeaders are sent verbatim on every request (e.g. APP-Code
	// for AiHubMix).
	ExtraHeaders map[string]string `yaml:"extra_headers" json:"extra_headers"`
}

// GatewayConfig covers both halves of the nanonet gateway peering: the
// local sync-HTTP binding and the remote server-side tool surface.
type GatewayConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// URL is the remote tool base; empty disables gateway tools.
	URL string `yaml:"url" json:"url"`
	// Auth is the Authorization header value, e.g. "token key:secret".
	Auth         string              `yaml:"auth" json:"auth"`
	NanobotToken string              `yaml:"nanobot_token" json:"nanobot_token"`
	Tools        []GatewayToolConfig `yaml:"tools" json:"tools"`
}

// GatewayToolConfig declares one server-side tool the model may call.
type GatewayToolConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
}

type ToolsConfig struct {
	Web                 WebToolsConfig `yaml:"web" json:"web"`
	Exec                ExecToolConfig `yaml:"exec" json:"exec"`
	RestrictToWorkspace bool           `yaml:"restrict_to_workspace" json:"restrict_to_workspace"`
}

type WebToolsConfig struct {
	Search WebSearchConfig `yaml:"search" json:"search"`
	Fetch  WebFetchConfig  `yaml:"fetch" json:"fetch"`
}

type WebSearchConfig struct {
	// APIKey is a Brave Search API key.
	APIKey     string `yaml:"api_key" json:"api_key"`
	MaxResults int    `yaml:"max_results" json:"max_results"`
}

type WebFetchConfig struct {
	MaxChars int `yaml:"max_chars" json:"max_chars"`
}

type ExecToolConfig struct {
	// Timeout is in seconds.
	Timeout int `yaml:"timeout" json:"timeout"`
}

type BusConfig struct {
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

type HooksConfig struct {
	WebhookURL   string `yaml:"webhook_url" json:"webhook_url"`
	WebhookAuth  string `yaml:"webhook_auth" json:"webhook_auth"`
	NanobotToken string `yaml:"nanobot_token" json:"nanobot_token"`
}

type MemoryConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	RetrievalURL  string `yaml:"retrieval_url" json:"retrieval_url"`
	RetrievalAuth string `yaml:"retrieval_auth" json:"retrieval_auth"`
	NanobotToken  string `yaml:"nanobot_token" json:"nanobot_token"`
	TopK          int    `yaml:"top_k" json:"top_k"`
}

type CronConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type SkillsConfig struct {
	// Dir overrides the default <workspace>/skills location.
	Dir   string `yaml:"dir" json:"dir"`
	Watch bool   `yaml:"watch" json:"watch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type DebugConfig struct {
	// LogToolCalls mirrors tool call details to the chat channel.
	LogToolCalls bool `yaml:"log_tool_calls" json:"log_tool_calls"`
	// ShowTokenUsage appends token usage stats to every assistant reply.
	ShowTokenUsage bool `yaml:"show_token_usage" json:"show_token_usage"`
	// LogLLMContext writes the full LLM request/response to
	// .debug/last_llm_call.json in the workspace.
	LogLLMContext bool `yaml:"log_llm_context" json:"log_llm_context"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Agents.Defaults.Workspace == "" {
		c.Agents.Defaults.Workspace = "~/.nanobot/workspace"
	}
	if c.Agents.Defaults.Model == "" {
		c.Agents.Defaults.Model = "anthropic/claude-opus-4-5"
	}
	if c.Agents.Defaults.MaxTokens == 0 {
		c.Agents.Defaults.MaxTokens = 8192
	}
	if c.Agents.Defaults.Temperature == 0 {
		c.Agents.Defaults.Temperature = 0.7
	}
	if c.Agents.Defaults.MaxToolIterations == 0 {
		c.Agents.Defaults.MaxToolIterations = 20
	}
	if c.Channels.WhatsApp.BridgeURL == "" {
		c.Channels.WhatsApp.BridgeURL = "ws://localhost:3001"
	}
	if c.Channels.Discord.Intents == 0 {
		c.Channels.Discord.Intents = 37377
	}
	if c.Channels.Feishu.ListenAddr == "" {
		c.Channels.Feishu.ListenAddr = ":9091"
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 18790
	}
	if c.Tools.Web.Search.MaxResults == 0 {
		c.Tools.Web.Search.MaxResults = 5
	}
	if c.Tools.Web.Fetch.MaxChars == 0 {
		c.Tools.Web.Fetch.MaxChars = 50000
	}
	if c.Tools.Exec.Timeout == 0 {
		c.Tools.Exec.Timeout = 60
	}
	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = 100
	}
	if c.Memory.TopK == 0 {
		c.Memory.TopK = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate applies defaults and rejects values the runtime cannot work
// with.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Agents.Defaults.MaxToolIterations < 1 {
		return fmt.Errorf("agents.defaults.max_tool_iterations must be positive")
	}
	if c.Agents.Defaults.MaxTokens < 1 {
		return fmt.Errorf("agents.defaults.max_tokens must be positive")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Bus.QueueSize < 1 {
		return fmt.Errorf("bus.queue_size must be positive")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required when discord is enabled")
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.AppToken == "" || c.Channels.Slack.BotToken == "") {
		return fmt.Errorf("channels.slack.app_token and bot_token are required when slack is enabled")
	}
	if c.Channels.Feishu.Enabled && (c.Channels.Feishu.AppID == "" || c.Channels.Feishu.AppSecret == "") {
		return fmt.Errorf("channels.feishu.app_id and app_secret are required when feishu is enabled")
	}
	if c.Memory.Enabled && c.Memory.RetrievalURL == "" {
		return fmt.Errorf("memory.retrieval_url is required when memory is enabled")
	}
	if c.Gateway.URL != "" && c.Gateway.NanobotToken == "" {
		return fmt.Errorf("gateway.nanobot_token is required when gateway.url is set")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	return nil
}

// WorkspacePath expands ~ in the configured workspace directory.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// SkillsPath returns the skills directory, defaulting to
// <workspace>/skills.
func (c *Config) SkillsPath() string {
	if c.Skills.Dir != "" {
		return ExpandHome(c.Skills.Dir)
	}
	return filepath.Join(c.WorkspacePath(), "skills")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// gatewayDefaults maps known API gateways to their default base URLs.
var gatewayDefaults = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"aihubmix":   "https://aihubmix.com/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"moonshot":   "https://api.moonshot.cn/v1",
	"zhipu":      "https://open.bigmodel.cn/api/paas/v4",
	"dashscope":  "https://dashscope.aliyuncs.com/compatible-mode/v1",
}

// providerKeywords maps model-name substrings to provider entries.
// Order matters: gateways match before specific vendors so a key for
// "openrouter/anthropic/..." routes through the gateway.
var providerKeywords = []struct {
	keyword  string
	provider string
}{
	{"aihubmix", "aihubmix"},
	{"openrouter", "openrouter"},
	{"deepseek", "deepseek"},
	{"anthropic", "anthropic"},
	{"claude", "anthropic"},
	{"openai", "openai"},
	{"gpt", "openai"},
	{"gemini", "gemini"},
	{"zhipu", "zhipu"},
	{"glm", "zhipu"},
	{"zai", "zhipu"},
	{"dashscope", "dashscope"},
	{"qwen", "dashscope"},
	{"groq", "groq"},
	{"moonshot", "moonshot"},
	{"kimi", "moonshot"},
	{"vllm", "vllm"},
}

// providerFallback is the order providers are tried when no keyword
// matches: gateways first since they can serve any model.
var providerFallback = []string{
	"openrouter", "aihubmix", "anthropic", "openai", "deepseek",
	"gemini", "zhipu", "dashscope", "moonshot", "vllm", "groq",
}

// MatchedProvider resolves the provider entry for a model name: keyword
// match first, then the first entry with an API key. Returns the
// provider name and config, or "" when nothing is configured.
func (c *Config) MatchedProvider(model string) (string, ProviderConfig) {
	if model == "" {
		model = c.Agents.Defaults.Model
	}
	model = strings.ToLower(model)

	for _, entry := range providerKeywords {
		if strings.Contains(model, entry.keyword) {
			if p, ok := c.Providers[entry.provider]; ok && p.APIKey != "" {
				return entry.provider, p
			}
		}
	}
	for _, name := range providerFallback {
		if p, ok := c.Providers[name]; ok && p.APIKey != "" {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// APIBaseFor returns the effective base URL for a provider entry,
// falling back to known gateway defaults.
func APIBaseFor(name string, p ProviderConfig) string {
	if p.APIBase != "" {
		return p.APIBase
	}
	return gatewayDefaults[name]
}
