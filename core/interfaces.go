package core

import (
	"context"
)

// Logger is the minimal structured logging interface shared by every
// component. Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry is the optional tracing/metrics interface. Components hold a
// NoOpTelemetry by default and nil-check before use.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AIClient abstracts the LLM vendor backends. The router, planner and
// composer only depend on this interface; concrete Anthropic/OpenAI
// clients live in the ai package.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions configures a single generation call.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse is the result of a generation call.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage reports token accounting from the provider.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry records nothing.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan is the span returned by NoOpTelemetry.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
