package ai

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yukie-ai/yukie/core"
)

func TestNewClientSelectsProvider(t *testing.T) {
	c, err := NewClient("anthropic", "key", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*AnthropicClient); !ok {
		t.Errorf("client type = %T", c)
	}

	c, err = NewClient("OpenAI", "key", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*OpenAIClient); !ok {
		t.Errorf("client type = %T", c)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient("bedrock", "key", "")
	if !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicClient("", ""); !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("anthropic: %v", err)
	}
	if _, err := NewOpenAIClient("", ""); !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("openai: %v", err)
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, core.ErrLLMRateLimited},
		{http.StatusUnauthorized, core.ErrLLMAuth},
		{http.StatusForbidden, core.ErrLLMAuth},
		{http.StatusServiceUnavailable, core.ErrLLMOverloaded},
	}
	for _, tc := range cases {
		err := classifyOpenAIError(&openai.APIError{HTTPStatusCode: tc.status})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}

	err := classifyOpenAIError(errors.New("connection reset"))
	if errors.Is(err, core.ErrLLMRateLimited) || errors.Is(err, core.ErrLLMAuth) {
		t.Errorf("plain error misclassified: %v", err)
	}
}

func TestClassifyAnthropicErrorOverloadedString(t *testing.T) {
	err := classifyAnthropicError(errors.New("api_error: overloaded"))
	if !errors.Is(err, core.ErrLLMOverloaded) {
		t.Errorf("got %v", err)
	}

	err = classifyAnthropicError(errors.New("connection reset"))
	if errors.Is(err, core.ErrLLMOverloaded) {
		t.Errorf("plain error misclassified: %v", err)
	}
}
