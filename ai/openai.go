package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yukie-ai/yukie/core"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient implements core.AIClient over the Chat Completions API.
// Safe for concurrent use.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIClient creates a client with the given API key.
func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required: %w", core.ErrMissingConfiguration)
	}
	if defaultModel == "" {
		defaultModel = defaultOpenAIModel
	}
	return &OpenAIClient{
		client:       openai.NewClient(apiKey),
		defaultModel: defaultModel,
	}, nil
}

// GenerateResponse issues a non-streaming chat completion.
func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if options.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: options.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if options.Temperature > 0 {
		req.Temperature = options.Temperature
	}
	if options.MaxTokens > 0 {
		req.MaxTokens = options.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &core.AIResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", core.ErrLLMRateLimited, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", core.ErrLLMAuth, err)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %v", core.ErrLLMOverloaded, err)
		}
	}
	return fmt.Errorf("openai generation failed: %w", err)
}
