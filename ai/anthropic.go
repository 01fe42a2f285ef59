package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yukie-ai/yukie/core"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 1024
)

// AnthropicClient implements core.AIClient over the Anthropic Messages
// API. Safe for concurrent use.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient creates a client with the given API key.
func NewAnthropicClient(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required: %w", core.ErrMissingConfiguration)
	}
	if defaultModel == "" {
		defaultModel = defaultAnthropicModel
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

// GenerateResponse issues a non-streaming completion.
func (c *AnthropicClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if options.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: options.SystemPrompt}}
	}
	if options.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(options.Temperature))
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &core.AIResponse{
		Content: content.String(),
		Model:   string(msg.Model),
		Usage: core.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// classifyAnthropicError maps API failures onto the shared sentinels so
// the pipeline can tag the right stage.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", core.ErrLLMRateLimited, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", core.ErrLLMAuth, err)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %v", core.ErrLLMOverloaded, err)
		}
	}
	if strings.Contains(err.Error(), "overloaded") {
		return fmt.Errorf("%w: %v", core.ErrLLMOverloaded, err)
	}
	return fmt.Errorf("anthropic generation failed: %w", err)
}
