package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const (
	includeKey = "$include"

	// EnvPrefix scopes environment overrides; nested keys are joined
	// with "__", e.g. NANOBOT_GATEWAY__PORT=18790.
	EnvPrefix    = "NANOBOT_"
	envDelimiter = "__"
)

// Load reads the config file at path, resolves includes, expands
// environment references, applies NANOBOT_* overrides, and validates.
// A missing file yields the defaults (env overrides still apply).
func Load(path string) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := LoadRaw(path)
			if err != nil {
				return nil, err
			}
			raw = loaded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	applyEnvOverrides(raw, os.Environ())

	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns ~/.nanobot/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".nanobot", "config.yaml")
}

// LoadRaw reads a config file into a merged raw map, resolving
// $include directives with cycle detection. YAML by default; .json and
// .json5 files are parsed as JSON5.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadRawFile(path, map[string]bool{})
}

func loadRawFile(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRaw(expandEnv(data), absPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		sub, err := loadRawFile(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, raw), nil
}

// expandEnv substitutes $VAR and ${VAR} references with environment
// values. Unset variables stay as written, so the $include directive
// survives until the parser sees it.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(name string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return "$" + name
	}))
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func popIncludes(raw map[string]any) ([]string, error) {
	var value any
	if v, ok := raw[includeKey]; ok {
		value = v
		delete(raw, includeKey)
	}
	if value == nil {
		return nil, nil
	}
	switch typed := value.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// knownSections guards env overrides: a NANOBOT_* variable whose first
// segment is not a config section is somebody else's variable, not a
// typo to report.
var knownSections = map[string]bool{
	"agents": true, "channels": true, "providers": true, "gateway": true,
	"tools": true, "bus": true, "hooks": true, "memory": true,
	"cron": true, "skills": true, "logging": true, "debug": true,
}

// applyEnvOverrides folds NANOBOT_SECTION__KEY=value pairs into the raw
// map. Values parse as YAML scalars so booleans and numbers come
// through typed.
func applyEnvOverrides(raw map[string]any, environ []string) {
	for _, pair := range environ {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.TrimPrefix(key, EnvPrefix), envDelimiter)
		if len(path) < 2 || !knownSections[strings.ToLower(path[0])] {
			continue
		}
		setPath(raw, path, parseScalar(value))
	}
}

func setPath(raw map[string]any, path []string, value any) {
	node := raw
	for _, segment := range path[:len(path)-1] {
		segment = strings.ToLower(segment)
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[segment] = child
		}
		node = child
	}
	node[strings.ToLower(path[len(path)-1])] = value
}

func parseScalar(value string) any {
	var typed any
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil {
		return value
	}
	if typed == nil {
		return value
	}
	switch typed.(type) {
	case bool, int, int64, float64, string:
		return typed
	default:
		return value
	}
}

func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &cfg, nil
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
