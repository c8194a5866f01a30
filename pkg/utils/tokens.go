// Package utils provides small shared helpers.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentsmithy/agentsmithy/pkg/llms"
)

// TokenCounter counts tokens with the model's tiktoken encoding.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTokenCounter creates a counter for a specific model, falling back
// to cl100k_base for unknown models.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	encoding, exists := encodingCache[model]
	if !exists {
		var err error
		encoding, err = tiktoken.EncodingForModel(model)
		if err != nil {
			encoding, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, fmt.Errorf("failed to get encoding: %w", err)
			}
		}
		encodingCache[model] = encoding
	}

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// role overhead, per OpenAI's published counting scheme.
func (tc *TokenCounter) CountMessages(messages []llms.Message) int {
	const tokensPerMessage = 3

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += tokensPerMessage
		totalTokens += len(tc.encoding.Encode(msg.Role, nil, nil))
		totalTokens += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	// Replies are primed with <|start|>assistant<|message|>.
	return totalTokens + 3
}

// GetModel returns the model this counter was built for.
func (tc *TokenCounter) GetModel() string {
	return tc.model
}
