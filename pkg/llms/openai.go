package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/httpclient"
)

type OpenAIProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature"`
	Stream              bool            `json:"stream"`
	StreamOptions       *streamOptions  `json:"stream_options,omitempty"`
	Tools               []openAITool    `json:"tools,omitempty"`
	ToolChoice          string          `json:"tool_choice,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponse struct {
	Choices []choice  `json:"choices"`
	Usage   Usage     `json:"usage"`
	Error   *apiError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *apiError      `json:"error,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type choice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type streamChoice struct {
	Delta        delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type delta struct {
	Content          string           `json:"content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewOpenAIProvider builds a provider for any OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg *config.LLMConfig) *OpenAIProvider {
	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	return &OpenAIProvider{
		config:     cfg,
		httpClient: httpClient,
	}
}

func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

// Generate performs a non-streaming completion.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, Usage, error) {
	request := p.buildRequest(messages, false, tools)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, Usage{}, err
	}
	if response.Error != nil {
		return "", nil, Usage{}, fmt.Errorf("API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", nil, Usage{}, fmt.Errorf("no response choices returned")
	}

	ch := response.Choices[0]
	var toolCalls []*ToolCall
	if len(ch.Message.ToolCalls) > 0 {
		toolCalls, err = parseToolCalls(ch.Message.ToolCalls)
		if err != nil {
			return ch.Message.Content, nil, response.Usage, err
		}
	}
	return ch.Message.Content, toolCalls, response.Usage, nil
}

// GenerateStreaming performs a streaming completion. The returned
// channel is closed after a terminal done or error chunk.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			if ctx.Err() != nil {
				err = agenterrors.Wrap(agenterrors.CodeCancelled, ctx.Err(), "generation cancelled")
			}
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition) openAIRequest {
	wireMessages := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		wireMsg := openAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if len(msg.ToolCalls) > 0 {
			wireMsg.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				wireMsg.ToolCalls[j] = openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
		}
		wireMessages = append(wireMessages, wireMsg)
	}

	reasoning := isReasoningModel(p.config.Model)

	// Reasoning models only accept the default temperature.
	temperature := p.config.Temperature
	if reasoning {
		temperature = 1.0
	}

	request := openAIRequest{
		Model:       p.config.Model,
		Messages:    wireMessages,
		Temperature: temperature,
		Stream:      stream,
	}

	if stream {
		request.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	// o-series and gpt-5 models reject max_tokens in favor of
	// max_completion_tokens.
	if p.config.MaxTokens > 0 {
		maxTokens := p.config.MaxTokens
		if reasoning {
			request.MaxCompletionTokens = &maxTokens
		} else {
			request.MaxTokens = &maxTokens
		}
	}

	if len(tools) > 0 {
		request.Tools = convertTools(tools)
		request.ToolChoice = "auto"
	}

	return request
}

func isReasoningModel(modelName string) bool {
	modelLower := strings.ToLower(modelName)
	if modelLower == "o1" || modelLower == "o3" || modelLower == "o4" || modelLower == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(modelLower, prefix) {
			return true
		}
	}
	return false
}

func convertTools(tools []ToolDefinition) []openAITool {
	result := make([]openAITool, len(tools))
	for i, tool := range tools {
		result[i] = openAITool{
			Type:     "function",
			Function: (openAIToolFunction)(tool),
		}
	}
	return result
}

func parseToolCalls(wireCalls []openAIToolCall) ([]*ToolCall, error) {
	result := make([]*ToolCall, len(wireCalls))
	for i, tc := range wireCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result[i] = &ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return result, nil
}

// parseErrorResponse extracts structured error details from an API error body.
func parseErrorResponse(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return req, nil
}

// checkResponse folds transport errors and non-200 statuses into one
// error, pulling structured detail out of the body when present.
func checkResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		errorBody := string(body)
		if readErr != nil {
			errorBody = fmt.Sprintf("(failed to read error body: %v)", readErr)
		}
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errorBody)
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("HTTP request failed: no response received")
	}
	return nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkResponse(resp, err); err != nil {
		return err
	}

	reader := bufio.NewReader(resp.Body)

	toolCallsMap := make(map[int]*openAIToolCall)
	var usage *Usage
	var accumulatedReasoning strings.Builder
	inReasoningBlock := false

	closeReasoning := func() {
		if inReasoningBlock {
			outputCh <- StreamChunk{
				Type: ChunkReasoningComplete,
				Text: accumulatedReasoning.String(),
			}
			accumulatedReasoning.Reset()
			inReasoningBlock = false
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			u := *streamResp.Usage
			usage = &u
		}

		if len(streamResp.Choices) == 0 {
			continue
		}
		ch := streamResp.Choices[0]

		// reasoning and reasoning_content are the two field names
		// OpenAI-compatible servers use for thinking deltas.
		reasoningDelta := ch.Delta.Reasoning
		if reasoningDelta == "" {
			reasoningDelta = ch.Delta.ReasoningContent
		}
		if reasoningDelta != "" {
			inReasoningBlock = true
			accumulatedReasoning.WriteString(reasoningDelta)
			outputCh <- StreamChunk{Type: ChunkReasoning, Text: reasoningDelta}
		}

		if ch.Delta.Content != "" {
			closeReasoning()
			outputCh <- StreamChunk{Type: ChunkText, Text: ch.Delta.Content}
		}

		for _, deltaCall := range ch.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCallsMap[len(toolCallsMap)] = &openAIToolCall{
					ID:       deltaCall.ID,
					Type:     deltaCall.Type,
					Function: deltaCall.Function,
				}
			} else if len(toolCallsMap) > 0 {
				lastIdx := len(toolCallsMap) - 1
				if toolCall, exists := toolCallsMap[lastIdx]; exists {
					toolCall.Function.Arguments += deltaCall.Function.Arguments
				}
			}
		}

		if ch.FinishReason == "stop" || ch.FinishReason == "tool_calls" {
			closeReasoning()
			// Usage arrives in a trailing chunk after finish_reason
			// when stream_options.include_usage is set, so keep reading.
		}
	}

	closeReasoning()

	// Calls parse independently: one call with garbled arguments must
	// not sink the whole batch.
	for i := 0; i < len(toolCallsMap); i++ {
		wireCall, exists := toolCallsMap[i]
		if !exists {
			continue
		}
		parsed := &ToolCall{ID: wireCall.ID, Name: wireCall.Function.Name, Args: map[string]any{}}
		if wireCall.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(wireCall.Function.Arguments), &parsed.Args); err != nil {
				parsed.Args = nil
				parsed.ArgsError = fmt.Sprintf("arguments are not valid JSON: %v", err)
			}
		}
		outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: parsed}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Usage: usage}
	return nil
}
