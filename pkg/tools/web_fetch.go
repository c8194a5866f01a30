package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/httpclient"
)

type WebFetchTool struct {
	tc        *ToolContext
	client    *httpclient.Client
	converter *md.Converter
}

func NewWebFetchTool(tc *ToolContext) *WebFetchTool {
	return &WebFetchTool{
		tc: tc,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
		converter: md.NewConverter("", true, nil),
	}
}

func (t *WebFetchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "web_fetch",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "url", Type: "string", Description: "HTTP or HTTPS URL to fetch", Required: true},
		},
	}
}

func (t *WebFetchTool) GetName() string { return "web_fetch" }

func (t *WebFetchTool) GetDescription() string {
	return "Fetch a URL and return its textual content as markdown."
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	rawURL := stringArg(args, "url")
	if rawURL == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("url parameter is required")), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("invalid url: %s", rawURL)), nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	req.Header.Set("User-Agent", "AgentSmithy/1.0")

	resp, err := t.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "fetch failed")), nil
	}
	if resp.StatusCode != http.StatusOK {
		return errorResult(t.GetName(), start, agenterrors.New(agenterrors.CodeException,
			"fetch returned status %d for %s", resp.StatusCode, rawURL)), nil
	}

	reader := io.Reader(resp.Body)
	if maxBytes := t.tc.Config.MaxFetchBytes; maxBytes > 0 {
		reader = io.LimitReader(reader, maxBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to read response")), nil
	}

	contentType := resp.Header.Get("Content-Type")
	content := string(body)
	if strings.Contains(contentType, "text/html") || looksLikeHTML(content) {
		content, err = t.extractMarkdown(content)
		if err != nil {
			return errorResult(t.GetName(), start,
				agenterrors.Wrap(agenterrors.CodeException, err, "failed to extract page content")), nil
		}
	}

	return ToolResult{
		Success:       true,
		Content:       content,
		Summary:       fmt.Sprintf("Fetched %s (%d chars)", rawURL, len(content)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"url":          rawURL,
			"content_type": contentType,
			"size_bytes":   len(body),
		},
	}, nil
}

func looksLikeHTML(content string) bool {
	head := strings.ToLower(content)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// extractMarkdown strips boilerplate nodes and converts the remaining
// document to markdown.
func (t *WebFetchTool) extractMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, svg, nav, footer, header").Remove()

	selection := doc.Find("body")
	if selection.Length() == 0 {
		selection = doc.Selection
	}
	markdown := t.converter.Convert(selection)
	return strings.TrimSpace(markdown), nil
}
