package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yukie-ai/yukie/core"
)

// Composer renders tool results into a conversational reply. The LLM
// path produces natural phrasing; every path has a deterministic
// fallback so a model outage never loses a result.
type Composer struct {
	aiClient core.AIClient

	logger core.Logger
}

// NewComposer creates a composer over the given LLM client.
func NewComposer(aiClient core.AIClient) *Composer {
	return &Composer{aiClient: aiClient, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger provider.
func (c *Composer) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

// ComposeSingle renders one call result.
func (c *Composer) ComposeSingle(ctx context.Context, message, model string, result *ToolCallResult) string {
	if result == nil {
		return "Sorry, I couldn't complete that request."
	}
	if !result.Success {
		detail := "an unknown error occurred"
		if result.Error != nil && result.Error.Message != "" {
			detail = result.Error.Message
		}
		return fmt.Sprintf("Sorry, I couldn't complete that: %s.", strings.TrimSuffix(detail, "."))
	}

	if c.aiClient != nil {
		prompt := fmt.Sprintf(`The user asked: %s

The %s tool on service %s returned this result:
%s

Write a short, conversational reply conveying the outcome. Do not mention tools or services.`,
			message, result.ToolName, result.ServiceID, formatResultJSON(result.Result))

		response, err := c.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
			Model:       model,
			Temperature: 0.7,
			MaxTokens:   512,
		})
		if err == nil && strings.TrimSpace(response.Content) != "" {
			return strings.TrimSpace(response.Content)
		}
		if err != nil {
			c.logger.Warn("Compose call failed, using deterministic formatting", map[string]interface{}{
				"operation": "compose_single",
				"error":     err.Error(),
			})
		}
	}
	return formatResultPlain(result.Result)
}

// ComposeMulti renders a whole plan's results.
func (c *Composer) ComposeMulti(ctx context.Context, message, model string, plan *Plan, results map[string]*ToolCallResult) string {
	if c.aiClient != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "The user asked: %s\n\nThese actions ran:\n", message)
		for _, call := range plan.ToolCalls {
			result := results[call.ID]
			switch {
			case result == nil:
				fmt.Fprintf(&b, "- %s: did not run\n", call.ToolName)
			case result.Success:
				fmt.Fprintf(&b, "- %s: succeeded with %s\n", call.ToolName, formatResultJSON(result.Result))
			default:
				detail := ""
				if result.Error != nil {
					detail = result.Error.Message
				}
				fmt.Fprintf(&b, "- %s: failed (%s)\n", call.ToolName, detail)
			}
		}
		b.WriteString("\nWrite a short, unified conversational reply summarising the overall outcome. Do not mention tools or services.")

		response, err := c.aiClient.GenerateResponse(ctx, b.String(), &core.AIOptions{
			Model:       model,
			Temperature: 0.7,
			MaxTokens:   512,
		})
		if err == nil && strings.TrimSpace(response.Content) != "" {
			return strings.TrimSpace(response.Content)
		}
		if err != nil {
			c.logger.Warn("Compose call failed, using deterministic formatting", map[string]interface{}{
				"operation": "compose_multi",
				"error":     err.Error(),
			})
		}
	}

	var parts []string
	failed := 0
	for _, call := range plan.ToolCalls {
		result := results[call.ID]
		if result == nil || !result.Success {
			failed++
			continue
		}
		parts = append(parts, formatResultPlain(result.Result))
	}
	reply := strings.Join(parts, "\n")
	if failed > 0 {
		if reply != "" {
			reply += "\n"
		}
		reply += fmt.Sprintf("(%d action(s) failed)", failed)
	}
	if reply == "" {
		reply = "Sorry, none of the requested actions could be completed."
	}
	return reply
}

// ComposeFallback answers a message no service can handle.
func (c *Composer) ComposeFallback(ctx context.Context, message, model string) string {
	if c.aiClient != nil {
		prompt := fmt.Sprintf(`The user asked: %s

No connected capability can act on this. Reply briefly and helpfully; answer directly if it is general knowledge, otherwise politely say you cannot help with it.`, message)
		response, err := c.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
			Model:       model,
			Temperature: 0.7,
			MaxTokens:   512,
		})
		if err == nil && strings.TrimSpace(response.Content) != "" {
			return strings.TrimSpace(response.Content)
		}
	}
	return "Sorry, I can't help with that request."
}

// formatResultPlain is the deterministic rendering: strings pass
// through, a "message" field wins, a "data" field prints as JSON,
// everything else is stringified.
func formatResultPlain(result interface{}) string {
	switch v := result.(type) {
	case nil:
		return "Done."
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok && msg != "" {
			return msg
		}
		if data, ok := v["data"]; ok {
			return formatResultJSON(data)
		}
		return formatResultJSON(v)
	default:
		return formatResultJSON(v)
	}
}

func formatResultJSON(value interface{}) string {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}
