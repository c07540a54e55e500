// Package web provides the outbound web tools: Brave search and
// readability-extracted page fetch.
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
)

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// SearchConfig controls the web_search tool.
type SearchConfig struct {
	// APIKey is a Brave Search subscription token.
	APIKey     string
	MaxResults int
	// BaseURL overrides the Brave endpoint (tests).
	BaseURL string
}

// SearchTool queries the Brave Search API.
type SearchTool struct {
	apiKey     string
	maxResults int
	baseURL    string
	client     *http.Client
}

// NewSearchTool creates a web_search tool.
func NewSearchTool(cfg SearchConfig) *SearchTool {
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	base := cfg.BaseURL
	if base == "" {
		base = braveSearchURL
	}
	return &SearchTool{
		apiKey:     cfg.APIKey,
		maxResults: maxResults,
		baseURL:    base,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *SearchTool) Name() string { return "web_search" }

func (t *SearchTool) Description() string {
	return "Search the web and return titles, URLs, and snippets."
}

func (t *SearchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (default: 5, max: 20).",
				"minimum":     1,
				"maximum":     20,
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if t.apiKey == "" {
		return "", fmt.Errorf("web search is not configured (missing Brave API key)")
	}
	count := t.maxResults
	if v, ok := args["count"].(float64); ok && v > 0 {
		count = int(v)
	}
	if count > 20 {
		count = 20
	}

	reqURL, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid search URL: %w", err)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", count))
	reqURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&braveResp); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	results := braveResp.Web.Results
	if len(results) == 0 {
		return fmt.Sprintf("No results for %q.", query), nil
	}
	if len(results) > count {
		results = results[:count]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
	}
	return b.String(), nil
}
