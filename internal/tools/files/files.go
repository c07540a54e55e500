// Package files provides the workspace file tools: read_file,
// write_file, edit_file, and list_dir.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zekis/nanobot/internal/tools"
)

// Config controls file tool behavior.
type Config struct {
	Workspace string
	// Restrict keeps every resolved path inside the workspace.
	Restrict bool
	// MaxReadBytes caps read_file output. Zero means the default.
	MaxReadBytes int
}

const defaultMaxReadBytes = 200000

// NewTools returns the four file tools sharing one resolver.
func NewTools(cfg Config) []tools.Tool {
	resolver := Resolver{Root: cfg.Workspace, Restrict: cfg.Restrict}
	maxRead := cfg.MaxReadBytes
	if maxRead <= 0 {
		maxRead = defaultMaxReadBytes
	}
	return []tools.Tool{
		&ReadFileTool{resolver: resolver, maxBytes: maxRead},
		&WriteFileTool{resolver: resolver},
		&EditFileTool{resolver: resolver},
		&ListDirTool{resolver: resolver},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func objectSchema(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// ReadFileTool returns file contents verbatim, truncated at maxBytes.
type ReadFileTool struct {
	resolver Resolver
	maxBytes int
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file and return its content."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Path to the file (relative to workspace).",
		},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.resolver.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", stringArg(args, "path"), err)
	}
	if t.maxBytes > 0 && len(data) > t.maxBytes {
		return string(data[:t.maxBytes]) + "\n... [truncated]", nil
	}
	return string(data), nil
}

// WriteFileTool writes content, creating parent directories.
type WriteFileTool struct {
	resolver Resolver
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Path to the file (relative to workspace).",
		},
		"content": map[string]any{
			"type":        "string",
			"description": "Content to write.",
		},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.resolver.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", stringArg(args, "path"), err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(args, "path")), nil
}

// EditFileTool replaces one unique occurrence of old with new.
type EditFileTool struct {
	resolver Resolver
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact text match in a file. The old text must appear exactly once."
}

func (t *EditFileTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Path to the file (relative to workspace).",
		},
		"old": map[string]any{
			"type":        "string",
			"description": "Exact text to replace.",
		},
		"new": map[string]any{
			"type":        "string",
			"description": "Replacement text.",
		},
	}, "path", "old", "new")
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.resolver.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	old := stringArg(args, "old")
	if old == "" {
		return "", fmt.Errorf("old text is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", stringArg(args, "path"), err)
	}
	content := string(data)
	switch count := strings.Count(content, old); {
	case count == 0:
		return "", fmt.Errorf("old text not found in %s", stringArg(args, "path"))
	case count > 1:
		return "", fmt.Errorf("old text appears %d times in %s, must be unique", count, stringArg(args, "path"))
	}
	updated := strings.Replace(content, old, stringArg(args, "new"), 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", stringArg(args, "path"), err)
	}
	return fmt.Sprintf("Edited %s", stringArg(args, "path")), nil
}

// ListDirTool lists directory entries, directories suffixed "/".
type ListDirTool struct {
	resolver Resolver
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Directory path (relative to workspace, default: workspace root).",
		},
	})
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	arg := stringArg(args, "path")
	if arg == "" {
		arg = "."
	}
	path, err := t.resolver.Resolve(arg)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", arg, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}
