package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const defaultMaxFetchChars = 50000

// FetchConfig controls the web_fetch tool.
type FetchConfig struct {
	MaxChars int
}

// FetchTool downloads a page and extracts its readable text.
type FetchTool struct {
	maxChars int
	client   *http.Client
}

// NewFetchTool creates a web_fetch tool.
func NewFetchTool(cfg FetchConfig) *FetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxFetchChars
	}
	return &FetchTool{
		maxChars: maxChars,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a URL and return the page's readable text content."
}

func (t *FetchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *FetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nanobot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	const maxBodyBytes = 5 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	html := string(body)

	text := t.extract(html, parsed)
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n... [truncated]"
	}
	if strings.TrimSpace(text) == "" {
		return "(page has no extractable text)", nil
	}
	return text, nil
}

// extract pulls readable text from the page, falling back to the raw
// body when readability finds nothing.
func (t *FetchTool) extract(html string, pageURL *url.URL) string {
	contentType := strings.ToLower(html)
	if !strings.Contains(contentType, "<html") && !strings.Contains(contentType, "<body") {
		return strings.TrimSpace(html)
	}
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return strings.TrimSpace(html)
}
