package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
	"github.com/yukie-ai/yukie/routing"
)

// promptSwitchAI answers routing, planning and composing prompts with
// fixed payloads, keyed on prompt markers.
type promptSwitchAI struct {
	routeJSON string
	planJSON  string
	compose   string
}

func (s *promptSwitchAI) GenerateResponse(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	switch {
	case strings.Contains(prompt, "Select the single best service"):
		return &core.AIResponse{Content: s.routeJSON}, nil
	case strings.Contains(prompt, "Plan tool calls"):
		return &core.AIResponse{Content: s.planJSON}, nil
	default:
		return &core.AIResponse{Content: s.compose}, nil
	}
}

func pipelineFixture(t *testing.T, ai core.AIClient, d *downstream) *Pipeline {
	t.Helper()
	cache := registry.NewManifestCache(time.Minute)
	reg := registry.NewServiceRegistry(cache)
	err := reg.Register(&registry.ServiceDefinition{
		ID:           "habit-tracker",
		Name:         "Habit Tracker",
		Description:  "Tracks daily habits",
		BaseURL:      d.server.URL,
		Endpoints:    registry.Endpoints{Invoke: "/invoke"},
		Capabilities: []string{"log activity"},
		Keywords:     []string{"habit", "log"},
		Enabled:      true,
		Priority:     10,
	})
	if err != nil {
		t.Fatal(err)
	}
	cache.Set("habit-tracker", &registry.ToolManifest{
		ServiceID:   "habit-tracker",
		ServiceName: "Habit Tracker",
		Version:     "1.0.0",
		Tools: []registry.ToolSchema{{
			Name:        "habit.log",
			Description: "Logs a habit entry",
			Parameters: []registry.Parameter{
				{Name: "name", Type: "string", Required: true},
			},
		}},
	}, nil)

	router := routing.NewRouter(reg, ai)
	planner := NewPlanner(ai)
	executor := NewExecutor(reg)
	composer := NewComposer(ai)
	return NewPipeline(reg, router, planner, executor, composer)
}

func chatAI() *promptSwitchAI {
	return &promptSwitchAI{
		routeJSON: `{"targetService": "habit-tracker", "confidence": 0.9, "reasoning": "habit logging"}`,
		planJSON: `{"toolCalls": [{"id": "call-1", "serviceId": "habit-tracker", "toolName": "habit.log",
  "params": {"name": "coding"}}], "confidence": 0.9}`,
		compose: "Logged your coding habit.",
	}
}

func TestProcessChatEndToEnd(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse {
		return invokeResponse{Success: true, Result: map[string]interface{}{"habitId": "h-1"}}
	})
	pipeline := pipelineFixture(t, chatAI(), d)

	resp, err := pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{Message: "Log my coding habit"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Response != "Logged your coding habit." {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.ServiceUsed != "habit-tracker" || resp.ActionInvoked != "habit.log" {
		t.Errorf("service = %s action = %s", resp.ServiceUsed, resp.ActionInvoked)
	}
	if resp.ConversationID == "" {
		t.Error("conversation id must be assigned")
	}
	if len(d.received()) != 1 {
		t.Errorf("downstream saw %d calls", len(d.received()))
	}
}

func TestProcessChatPreservesConversationID(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })
	pipeline := pipelineFixture(t, chatAI(), d)

	resp, err := pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{
		Message:        "Log my coding habit",
		ConversationID: "conv-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ConversationID != "conv-7" {
		t.Errorf("conversation id = %s", resp.ConversationID)
	}
}

func TestProcessChatNoServiceFallsBack(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })
	ai := chatAI()
	ai.routeJSON = `{"targetService": "none", "confidence": 0.9, "reasoning": "off topic"}`
	ai.compose = "I can't act on that, but here is an answer."
	pipeline := pipelineFixture(t, ai, d)

	resp, err := pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{Message: "Log my coding habit"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ServiceUsed != "" {
		t.Errorf("no service should be used, got %s", resp.ServiceUsed)
	}
	if resp.Response != "I can't act on that, but here is an answer." {
		t.Errorf("response = %q", resp.Response)
	}
	if len(d.received()) != 0 {
		t.Error("nothing should reach the downstream service")
	}

	stats := pipeline.Stats()
	if stats.NoCandidate != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessChatRoutingDisabled(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })
	ai := chatAI()
	ai.compose = "Direct answer."
	pipeline := pipelineFixture(t, ai, d)
	pipeline.SetRoutingEnabled(false)

	resp, err := pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{Message: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Response != "Direct answer." {
		t.Errorf("response = %q", resp.Response)
	}
	if len(d.received()) != 0 {
		t.Error("routing disabled must bypass tool services")
	}
}

func TestProcessChatUsesPlanCache(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })
	pipeline := pipelineFixture(t, chatAI(), d)

	for i := 0; i < 2; i++ {
		if _, err := pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{Message: "Log my coding habit"}); err != nil {
			t.Fatal(err)
		}
	}

	stats := pipeline.PlanCache().Stats()
	if stats.Hits != 1 {
		t.Errorf("cache stats = %+v", stats)
	}
	// Both requests still execute the plan.
	if len(d.received()) != 2 {
		t.Errorf("downstream saw %d calls, want 2", len(d.received()))
	}
}

func TestProcessChatCachedPlanRechecksScopes(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })

	cache := registry.NewManifestCache(time.Minute)
	reg := registry.NewServiceRegistry(cache)
	err := reg.Register(&registry.ServiceDefinition{
		ID:        "habit-tracker",
		Name:      "Habit Tracker",
		BaseURL:   d.server.URL,
		Endpoints: registry.Endpoints{Invoke: "/invoke"},
		Keywords:  []string{"habit", "log"},
		Enabled:   true,
		Priority:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	cache.Set("habit-tracker", &registry.ToolManifest{
		ServiceID: "habit-tracker",
		Tools: []registry.ToolSchema{{
			Name:           "habit.log",
			Description:    "Logs a habit entry",
			RequiredScopes: []string{"habits:write"},
			Parameters: []registry.Parameter{
				{Name: "name", Type: "string", Required: true},
			},
		}},
	}, nil)

	ai := chatAI()
	pipeline := NewPipeline(reg, routing.NewRouter(reg, ai), NewPlanner(ai), NewExecutor(reg), NewComposer(ai))

	granted := &auth.Context{UserID: "user-1", RequestID: "req-1", Scopes: []string{"yukie:chat", "habits:write"}}
	if _, err := pipeline.ProcessChat(context.Background(), granted, &ChatRequest{Message: "Log my coding habit"}); err != nil {
		t.Fatal(err)
	}

	// The identical message from a user without the scope hits the
	// cached plan but must still be rejected.
	lacking := &auth.Context{UserID: "user-2", RequestID: "req-2", Scopes: []string{"yukie:chat"}}
	_, err = pipeline.ProcessChat(context.Background(), lacking, &ChatRequest{Message: "Log my coding habit"})
	if err == nil {
		t.Fatal("expected a scope rejection")
	}
	if !errors.Is(err, core.ErrMissingScope) {
		t.Errorf("expected ErrMissingScope, got %v", err)
	}
	var rejected *PlanRejectedError
	if !errors.As(err, &rejected) || rejected.Issues[0].Code != IssueMissingScope {
		t.Errorf("unexpected rejection: %v", err)
	}

	if stats := pipeline.PlanCache().Stats(); stats.Hits != 1 {
		t.Errorf("cache stats = %+v", stats)
	}
	if len(d.received()) != 1 {
		t.Errorf("downstream saw %d calls, want 1", len(d.received()))
	}
}

func TestProcessChatPlanRejectionPassesThrough(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })

	cache := registry.NewManifestCache(time.Minute)
	reg := registry.NewServiceRegistry(cache)
	err := reg.Register(&registry.ServiceDefinition{
		ID:        "ledger",
		Name:      "Ledger",
		BaseURL:   d.server.URL,
		Endpoints: registry.Endpoints{Invoke: "/invoke"},
		Keywords:  []string{"transfer"},
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// The only tool requires a parameter no fallback heuristic can fill.
	cache.Set("ledger", &registry.ToolManifest{
		ServiceID: "ledger",
		Tools: []registry.ToolSchema{{
			Name:        "ledger.transfer",
			Description: "Transfers funds",
			Parameters: []registry.Parameter{
				{Name: "accountId", Type: "string", Required: true},
			},
		}},
	}, nil)

	ai := chatAI()
	ai.routeJSON = `{"targetService": "ledger", "confidence": 0.9}`
	ai.planJSON = `{"toolCalls": [{"id": "call-1", "serviceId": "ledger", "toolName": "ledger.transfer", "params": {}}], "confidence": 0.9}`
	pipeline := NewPipeline(reg, routing.NewRouter(reg, ai), NewPlanner(ai), NewExecutor(reg), NewComposer(ai))

	_, err = pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{Message: "make a transfer"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var rejected *PlanRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("unexpected error type: %T %v", err, err)
	}
	if rejected.Issues[0].Code != IssueMissingParam {
		t.Errorf("issues = %v", rejected.Issues)
	}

	stats := pipeline.Stats()
	if stats.Failures != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessChatRecordsHistory(t *testing.T) {
	d := newDownstream(t, func(req invokeRequest) invokeResponse { return invokeResponse{Success: true} })
	pipeline := pipelineFixture(t, chatAI(), d)

	if _, err := pipeline.ProcessChat(context.Background(), testAuth(), &ChatRequest{Message: "Log my coding habit"}); err != nil {
		t.Fatal(err)
	}

	history := pipeline.History(10)
	if len(history) != 1 {
		t.Fatalf("history = %v", history)
	}
	if history[0].UserID != "user-1" || !history[0].Success || history[0].Service != "habit-tracker" {
		t.Errorf("record = %+v", history[0])
	}

	stats := pipeline.Stats()
	if stats.TotalRequests != 1 || stats.Routed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
