package tools

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

// NewsToolName is the registry key for the market/news lookup tool.
const NewsToolName = "news"

// Argument keys understood by the news tool.
const (
	ArgQuery  = "query"
	ArgIntent = "intent"
)

// NewsTool enriches drafts with market context from a news API. When no API
// endpoint is configured it returns a deterministic stub note, matching the
// behavior of an unconfigured deployment.
type NewsTool struct {
	apiURL string
	apiKey string
	client *http.Client
}

// NewNewsTool creates the tool. Passing an empty apiURL enables stub mode.
func NewNewsTool(apiURL, apiKey string, client *http.Client) *NewsTool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &NewsTool{apiURL: apiURL, apiKey: apiKey, client: client}
}

func (n *NewsTool) Name() string {
	return NewsToolName
}

// Invoke looks up recent coverage for the task. Pricing intents search for
// market pricing specifically; everything else searches the task description.
func (n *NewsTool) Invoke(ctx context.Context, args map[string]string) (string, error) {
	query := args[ArgQuery]
	if args[ArgIntent] == "pricing_request" {
		query = "market pricing"
	}
	if strings.TrimSpace(query) == "" {
		return "", &ToolError{Tool: NewsToolName, Err: fmt.Errorf("empty query"), Transient: false}
	}

	if n.apiURL == "" || n.apiKey == "" {
		return fmt.Sprintf("[external] simulated market note for: %q", args[ArgQuery]), nil
	}

	endpoint, err := url.Parse(n.apiURL)
	if err != nil {
		return "", &ToolError{Tool: NewsToolName, Err: fmt.Errorf("bad api url: %w", err), Transient: false}
	}
	params := endpoint.Query()
	params.Set("q", query)
	params.Set("pageSize", "3")
	params.Set("language", "en")
	params.Set("apiKey", n.apiKey)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", &ToolError{Tool: NewsToolName, Err: err, Transient: false}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", &ToolError{Tool: NewsToolName, Err: err, Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &ToolError{Tool: NewsToolName, Err: fmt.Errorf("upstream throttled"), Transient: true}
	case resp.StatusCode >= 500:
		return "", &ToolError{Tool: NewsToolName, Err: fmt.Errorf("upstream error %d", resp.StatusCode), Transient: true}
	case resp.StatusCode != http.StatusOK:
		return "", &ToolError{Tool: NewsToolName, Err: fmt.Errorf("unexpected status %d", resp.StatusCode), Transient: false}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ToolError{Tool: NewsToolName, Err: err, Transient: true}
	}

	var payload struct {
		Articles []struct {
			Title  string `json:"title"`
			Source struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &ToolError{Tool: NewsToolName, Err: fmt.Errorf("bad response body: %w", err), Transient: false}
	}

	if len(payload.Articles) == 0 {
		return "[external] no relevant coverage found", nil
	}

	lines := []string{"[external] relevant coverage:"}
	for i, art := range payload.Articles {
		if i == 3 {
			break
		}
		lines = append(lines, fmt.Sprintf("- %s (%s)", art.Title, art.Source.Name))
	}
	return strings.Join(lines, "\n"), nil
}
