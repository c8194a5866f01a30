package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsmithy/agentsmithy/pkg/config"
)

func testConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Model:          "gpt-4.1",
		APIKey:         "test-key",
		BaseURL:        baseURL,
		Temperature:    0.7,
		MaxTokens:      1000,
		TimeoutSeconds: 10,
	}
}

func sseBody(lines ...string) string {
	body := ""
	for _, line := range lines {
		body += "data: " + line + "\n\n"
	}
	return body
}

func TestGenerateStreamingText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
			`[DONE]`,
		)))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(testConfig(server.URL))
	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "Hello", chunks[0].Text)
	assert.Equal(t, " world", chunks[1].Text)
	assert.Equal(t, ChunkDone, chunks[2].Type)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 15, chunks[2].Usage.TotalTokens)
}

func TestGenerateStreamingToolCallAccumulation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"path\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"main.go\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		)))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(testConfig(server.URL))
	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "read main.go"},
	}, []ToolDefinition{{Name: "read_file", Parameters: map[string]any{"type": "object"}}})
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	require.Equal(t, ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "call_1", chunks[0].ToolCall.ID)
	assert.Equal(t, "read_file", chunks[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, chunks[0].ToolCall.Args)
	assert.Equal(t, ChunkDone, chunks[1].Type)
}

func TestGenerateStreamingReasoning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"reasoning_content":"thinking "}}]}`,
			`{"choices":[{"delta":{"reasoning_content":"hard"}}]}`,
			`{"choices":[{"delta":{"content":"answer"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(testConfig(server.URL))
	ch, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	require.NoError(t, err)

	var types []string
	var complete string
	for chunk := range ch {
		types = append(types, chunk.Type)
		if chunk.Type == ChunkReasoningComplete {
			complete = chunk.Text
		}
	}

	assert.Equal(t, []string{
		ChunkReasoning, ChunkReasoning, ChunkReasoningComplete, ChunkText, ChunkDone,
	}, types)
	assert.Equal(t, "thinking hard", complete)
}

func TestGenerateNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Nil(t, req.StreamOptions)

		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"Refactor the parser"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":20,"completion_tokens":4,"total_tokens":24}
		}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(testConfig(server.URL))
	text, toolCalls, usage, err := provider.Generate(context.Background(), []Message{
		{Role: "user", Content: "title please"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Refactor the parser", text)
	assert.Empty(t, toolCalls)
	assert.Equal(t, 24, usage.TotalTokens)
}

func TestGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(testConfig(server.URL))
	_, _, _, err := provider.Generate(context.Background(), []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect API key")
	assert.Contains(t, err.Error(), "401")
}

func TestReasoningModelRequestShape(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Model = "o3-mini"
	provider := NewOpenAIProvider(cfg)

	req := provider.buildRequest([]Message{{Role: "user", Content: "hi"}}, false, nil)
	assert.Nil(t, req.MaxTokens)
	require.NotNil(t, req.MaxCompletionTokens)
	assert.Equal(t, 1000, *req.MaxCompletionTokens)
	assert.Equal(t, 1.0, req.Temperature)
}

func TestIsReasoningModel(t *testing.T) {
	assert.True(t, isReasoningModel("o1"))
	assert.True(t, isReasoningModel("o3-mini"))
	assert.True(t, isReasoningModel("GPT-5-mini"))
	assert.False(t, isReasoningModel("gpt-4.1"))
	assert.False(t, isReasoningModel("gpt-4o"))
}
