// Package ai provides the concrete LLM vendor clients behind the
// core.AIClient interface.
package ai

import (
	"fmt"
	"strings"

	"github.com/yukie-ai/yukie/core"
)

// Supported provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// NewClient constructs the vendor client named by provider.
func NewClient(provider, apiKey, defaultModel string) (core.AIClient, error) {
	switch strings.ToLower(provider) {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, defaultModel)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, defaultModel)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: %w", provider, core.ErrInvalidConfiguration)
	}
}
