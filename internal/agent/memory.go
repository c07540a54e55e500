package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zekis/nanobot/internal/config"
)

// MemoryClient retrieves relevant memories from the nanonet memory API
// before each turn.
type MemoryClient struct {
	cfg    config.MemoryConfig
	client *http.Client
	logger *slog.Logger
}

// NewMemoryClient returns nil when memory retrieval is disabled or has
// no URL, so callers can skip the nil check dance at each use site.
func NewMemoryClient(cfg config.MemoryConfig, logger *slog.Logger) *MemoryClient {
	if !cfg.Enabled || strings.TrimSpace(cfg.RetrievalURL) == "" {
		return nil
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Retrieve queries the memory API with the user's message. Trivial
// queries (under 5 chars) and every failure mode return an empty
// string; the turn proceeds without memories.
func (c *MemoryClient) Retrieve(ctx context.Context, query string) string {
	if c == nil {
		return ""
	}
	stripped := strings.TrimSpace(query)
	if len(stripped) < 5 {
		return ""
	}

	payload, err := json.Marshal(map[string]any{
		"query":         stripped,
		"nanobot_token": c.cfg.NanobotToken,
		"top_k":         c.cfg.TopK,
	})
	if err != nil {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RetrievalURL, bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.RetrievalAuth != "" {
		req.Header.Set("Authorization", c.cfg.RetrievalAuth)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("memory retrieval failed", "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("memory retrieval returned non-200", "status", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Warn("memory retrieval returned invalid JSON", "error", err)
		return ""
	}
	if inner, ok := decoded["message"].(map[string]any); ok {
		decoded = inner
	}

	memories, _ := decoded["memories"].(string)
	count, _ := decoded["count"].(float64)
	if memories == "" || count == 0 {
		c.logger.Debug("memory retrieval found nothing relevant")
		return ""
	}
	c.logger.Info("memory retrieval injecting memories", "count", int(count))
	return memories
}
