package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/httpclient"
)

type WebSearchTool struct {
	tc     *ToolContext
	client *httpclient.Client
}

func NewWebSearchTool(tc *ToolContext) *WebSearchTool {
	return &WebSearchTool{
		tc: tc,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (t *WebSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "web_search",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "max_results", Type: "integer", Description: "Maximum results to return (default 5)", Required: false, Default: 5},
		},
	}
}

func (t *WebSearchTool) GetName() string { return "web_search" }

func (t *WebSearchTool) GetDescription() string {
	return "Search the web and return result titles, URLs, and snippets."
}

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Answer  string `json:"answer,omitempty"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	query := stringArg(args, "query")
	if query == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("query parameter is required")), nil
	}
	if t.tc.Config.WebSearchAPIKey == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("web search is not configured: set WEB_SEARCH_API_KEY")), nil
	}
	maxResults := intArg(args, "max_results", 5)

	reqBody, err := json.Marshal(searchRequest{
		APIKey:     t.tc.Config.WebSearchAPIKey,
		Query:      query,
		MaxResults: maxResults,
	})
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.tc.Config.WebSearchBaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "search request failed")), nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	if resp.StatusCode != http.StatusOK {
		return errorResult(t.GetName(), start, agenterrors.New(agenterrors.CodeException,
			"search provider returned status %d: %s", resp.StatusCode, string(body))), nil
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to decode search response")), nil
	}

	var sb strings.Builder
	if parsed.Answer != "" {
		fmt.Fprintf(&sb, "Answer: %s\n\n", parsed.Answer)
	}
	for i, r := range parsed.Results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}

	return ToolResult{
		Success:       true,
		Content:       sb.String(),
		Summary:       fmt.Sprintf("Web search '%s': %d results", query, len(parsed.Results)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"query":   query,
			"results": len(parsed.Results),
		},
	}, nil
}
