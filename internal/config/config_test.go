package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "agents:\n  defaults:\n    model: gpt-4o\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Agents.Defaults.MaxToolIterations != 20 {
		t.Errorf("max_tool_iterations = %d, want 20", cfg.Agents.Defaults.MaxToolIterations)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("gateway.port = %d, want 18790", cfg.Gateway.Port)
	}
	if cfg.Channels.WhatsApp.BridgeURL != "ws://localhost:3001" {
		t.Errorf("bridge_url = %q", cfg.Channels.WhatsApp.BridgeURL)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.QueueSize != 100 {
		t.Errorf("queue_size = %d, want 100", cfg.Bus.QueueSize)
	}
}

func TestLoad_EnvironmentExpansion(t *testing.T) {
	t.Setenv("NANOBOT_TEST_TOKEN", "tok-123")
	path := writeFile(t, t.TempDir(), "config.yaml",
		"channels:\n  telegram:\n    enabled: true\n    token: ${NANOBOT_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "tok-123" {
		t.Errorf("token = %q, want tok-123", cfg.Channels.Telegram.Token)
	}
}

func TestLoad_EnvironmentExpansionKeepsUnsetVars(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml",
		"channels:\n  telegram:\n    enabled: true\n    token: $NANOBOT_UNSET_TOKEN\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "$NANOBOT_UNSET_TOKEN" {
		t.Errorf("token = %q, unset reference must pass through", cfg.Channels.Telegram.Token)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NANOBOT_GATEWAY__PORT", "9000")
	t.Setenv("NANOBOT_DEBUG__SHOW_TOKEN_USAGE", "true")

	cfg, err := Load(writeFile(t, t.TempDir(), "config.yaml", "gateway:\n  port: 18790\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("gateway.port = %d, want env override 9000", cfg.Gateway.Port)
	}
	if !cfg.Debug.ShowTokenUsage {
		t.Error("debug.show_token_usage should be true from env")
	}
}

func TestLoadRaw_IncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "agents:\n  defaults:\n    model: base-model\n    max_tokens: 1024\n")
	main := writeFile(t, dir, "main.yaml",
		"$include: [base.yaml]\nagents:\n  defaults:\n    model: override-model\n")

	raw, err := LoadRaw(main)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	agents := raw["agents"].(map[string]any)
	defaults := agents["defaults"].(map[string]any)
	if defaults["model"] != "override-model" {
		t.Errorf("model = %v, including file should win", defaults["model"])
	}
	if defaults["max_tokens"] != 1024 {
		t.Errorf("max_tokens = %v, included value should survive merge", defaults["max_tokens"])
	}
}

func TestLoadRaw_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "$include: [a.yaml]\n")

	if _, err := LoadRaw(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadRaw_JSON5(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json5",
		"{\n  // comment\n  gateway: {port: 8123},\n}\n")

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	gw := raw["gateway"].(map[string]any)
	if port, ok := gw["port"].(float64); !ok || port != 8123 {
		t.Errorf("port = %v (%T)", gw["port"], gw["port"])
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "telegram enabled without token",
			mutate: func(c *Config) { c.Channels.Telegram.Enabled = true },
			want:   "telegram.token",
		},
		{
			name:   "memory enabled without url",
			mutate: func(c *Config) { c.Memory.Enabled = true },
			want:   "retrieval_url",
		},
		{
			name:   "gateway url without token",
			mutate: func(c *Config) { c.Gateway.URL = "https://gw.example.com" },
			want:   "nanobot_token",
		},
		{
			name:   "bad logging format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			want:   "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestMatchedProvider(t *testing.T) {
	cfg := Default()
	cfg.Providers = map[string]ProviderConfig{
		"anthropic":  {APIKey: "sk-ant"},
		"openrouter": {APIKey: "sk-or"},
		"deepseek":   {APIKey: "sk-ds", APIBase: "https://custom.deepseek.example"},
	}

	tests := []struct {
		model    string
		provider string
	}{
		{"claude-opus-4-5", "anthropic"},
		{"openrouter/anthropic/claude-opus-4-5", "openrouter"},
		{"deepseek-chat", "deepseek"},
		{"totally-unknown-model", "openrouter"}, // gateway fallback
	}
	for _, tt := range tests {
		name, _ := cfg.MatchedProvider(tt.model)
		if name != tt.provider {
			t.Errorf("MatchedProvider(%q) = %q, want %q", tt.model, name, tt.provider)
		}
	}

	if name, _ := Default().MatchedProvider("claude"); name != "" {
		t.Errorf("no providers configured should return empty, got %q", name)
	}
}

func TestAPIBaseFor(t *testing.T) {
	if base := APIBaseFor("openrouter", ProviderConfig{}); base != "https://openrouter.ai/api/v1" {
		t.Errorf("openrouter default base = %q", base)
	}
	custom := ProviderConfig{APIBase: "https://vllm.local/v1"}
	if base := APIBaseFor("vllm", custom); base != "https://vllm.local/v1" {
		t.Errorf("explicit base = %q", base)
	}
	if base := APIBaseFor("anthropic", ProviderConfig{}); base != "" {
		t.Errorf("anthropic has no gateway default, got %q", base)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := ExpandHome("~/.nanobot/workspace"); got != filepath.Join(home, ".nanobot", "workspace") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path mangled: %q", got)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if !strings.Contains(string(data), "max_tool_iterations") {
		t.Error("schema should cover agent defaults")
	}
}
