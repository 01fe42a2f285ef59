package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
)

// plannerStubAI replays a sequence of responses, one per call.
type plannerStubAI struct {
	responses []string
	errs      []error
	calls     int
}

func (s *plannerStubAI) GenerateResponse(ctx context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return &core.AIResponse{Content: s.responses[i], Model: "stub"}, nil
}

func habitTools() []AvailableTool {
	return []AvailableTool{
		{
			ServiceID:   "habit-tracker",
			ServiceName: "Habit Tracker",
			ServiceRisk: registry.RiskLow,
			Tool: &registry.ToolSchema{
				Name:        "habit.log",
				Description: "Logs a habit entry with a time range",
				Parameters: []registry.Parameter{
					{Name: "name", Type: "string", Required: true},
					{Name: "startTime", Type: "string", Required: true},
					{Name: "endTime", Type: "string"},
				},
			},
		},
		{
			ServiceID:   "habit-tracker",
			ServiceName: "Habit Tracker",
			ServiceRisk: registry.RiskLow,
			Tool: &registry.ToolSchema{
				Name:        "habit.stats",
				Description: "Shows streak statistics for a habit",
				Parameters: []registry.Parameter{
					{Name: "habitId", Type: "string", Required: true},
				},
			},
		},
	}
}

func planRequest(tools []AvailableTool) *PlanRequest {
	return &PlanRequest{
		Message:        "Log coding from 2pm to 4pm",
		Auth:           &auth.Context{UserID: "user-1", Scopes: []string{"yukie:chat"}},
		AvailableTools: tools,
	}
}

const validPlanJSON = `{
  "toolCalls": [
    {"id": "call-1", "serviceId": "habit-tracker", "toolName": "habit.log",
     "params": {"name": "coding", "startTime": "2pm", "endTime": "4pm"}, "dependsOn": []}
  ],
  "executionMode": "single",
  "confidence": 0.9,
  "reasoning": "single log call"
}`

func TestCreatePlanAcceptsValidDraft(t *testing.T) {
	planner := NewPlanner(&plannerStubAI{responses: []string{validPlanJSON}})

	plan, err := planner.CreatePlan(context.Background(), planRequest(habitTools()))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.ToolCalls) != 1 || plan.ToolCalls[0].ToolName != "habit.log" {
		t.Errorf("plan = %+v", plan.ToolCalls)
	}
	if plan.ExecutionMode != ModeSingle {
		t.Errorf("mode = %s", plan.ExecutionMode)
	}
}

func TestCreatePlanRegeneratesOnFatalIssues(t *testing.T) {
	badPlan := `{"toolCalls": [{"id": "call-1", "serviceId": "habit-tracker", "toolName": "habit.nope", "params": {}}], "confidence": 0.9}`
	ai := &plannerStubAI{responses: []string{badPlan, validPlanJSON}}
	planner := NewPlanner(ai)

	plan, err := planner.CreatePlan(context.Background(), planRequest(habitTools()))
	if err != nil {
		t.Fatal(err)
	}
	if ai.calls != 2 {
		t.Errorf("expected a regeneration attempt, calls = %d", ai.calls)
	}
	if plan.ToolCalls[0].ToolName != "habit.log" {
		t.Errorf("regenerated plan = %+v", plan.ToolCalls)
	}
}

func TestCreatePlanReferenceImpliesDependency(t *testing.T) {
	chained := `{
  "toolCalls": [
    {"id": "call-1", "serviceId": "habit-tracker", "toolName": "habit.log",
     "params": {"name": "coding", "startTime": "2pm"}},
    {"id": "call-2", "serviceId": "habit-tracker", "toolName": "habit.stats",
     "params": {"habitId": "${call-1.habitId}"}}
  ],
  "confidence": 0.8
}`
	planner := NewPlanner(&plannerStubAI{responses: []string{chained}})

	plan, err := planner.CreatePlan(context.Background(), planRequest(habitTools()))
	if err != nil {
		t.Fatal(err)
	}
	call2, ok := plan.Call("call-2")
	if !ok {
		t.Fatal("call-2 missing")
	}
	if len(call2.DependsOn) != 1 || call2.DependsOn[0] != "call-1" {
		t.Errorf("dependsOn = %v, want [call-1]", call2.DependsOn)
	}
	if len(plan.ExecutionOrder) != 2 {
		t.Errorf("executionOrder = %v", plan.ExecutionOrder)
	}
}

func TestCreatePlanDeterministicFallback(t *testing.T) {
	// Both drafts fail to parse, so the planner falls back to the best
	// lexical tool with entity-derived parameters.
	ai := &plannerStubAI{responses: []string{"not json", "still not json"}}
	planner := NewPlanner(ai)

	plan, err := planner.CreatePlan(context.Background(), planRequest(habitTools()))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.ToolCalls) != 1 {
		t.Fatalf("fallback plan = %+v", plan.ToolCalls)
	}
	call := plan.ToolCalls[0]
	if call.ToolName != "habit.log" {
		t.Errorf("tool = %s, want habit.log", call.ToolName)
	}
	if call.Params["startTime"] != "2pm" {
		t.Errorf("startTime = %v", call.Params["startTime"])
	}
	if call.Params["endTime"] != "4pm" {
		t.Errorf("endTime = %v", call.Params["endTime"])
	}
	if plan.Confidence != 0.5 {
		t.Errorf("confidence = %f", plan.Confidence)
	}
}

func TestCreatePlanFallbackRejectsUnderivableParams(t *testing.T) {
	tools := []AvailableTool{{
		ServiceID: "payments",
		Tool: &registry.ToolSchema{
			Name:        "payments.send",
			Description: "Sends a payment",
			Parameters: []registry.Parameter{
				{Name: "recipientAccount", Type: "string", Required: true},
			},
		},
	}}
	req := planRequest(tools)
	req.Message = "send money"
	planner := NewPlanner(&plannerStubAI{responses: []string{"not json"}})

	_, err := planner.CreatePlan(context.Background(), req)
	var rejected *PlanRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected PlanRejectedError, got %v", err)
	}
	if rejected.Issues[0].Code != IssueMissingParam {
		t.Errorf("issues = %v", rejected.Issues)
	}
	if !errors.Is(err, core.ErrPlanInvalid) {
		t.Error("rejection must unwrap to ErrPlanInvalid")
	}
}

func TestCreatePlanMissingScope(t *testing.T) {
	tools := habitTools()
	tools[0].Tool.RequiredScopes = []string{"habits:write"}
	req := planRequest(tools)
	planner := NewPlanner(&plannerStubAI{responses: []string{validPlanJSON}})

	_, err := planner.CreatePlan(context.Background(), req)
	if !errors.Is(err, core.ErrMissingScope) {
		t.Errorf("expected ErrMissingScope, got %v", err)
	}
}

func TestCreatePlanNoTools(t *testing.T) {
	planner := NewPlanner(&plannerStubAI{responses: []string{validPlanJSON}})
	_, err := planner.CreatePlan(context.Background(), &PlanRequest{
		Message: "hello",
		Auth:    &auth.Context{UserID: "user-1"},
	})
	if !errors.Is(err, core.ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
}

func TestCreatePlanCapsToolCount(t *testing.T) {
	long := `{"toolCalls": [
  {"id": "c1", "serviceId": "habit-tracker", "toolName": "habit.log", "params": {"name": "a", "startTime": "2pm"}},
  {"id": "c2", "serviceId": "habit-tracker", "toolName": "habit.log", "params": {"name": "b", "startTime": "2pm"}},
  {"id": "c3", "serviceId": "habit-tracker", "toolName": "habit.log", "params": {"name": "c", "startTime": "2pm"}}
 ], "confidence": 0.9}`
	planner := NewPlanner(&plannerStubAI{responses: []string{long}})

	req := planRequest(habitTools())
	req.MaxTools = 2
	plan, err := planner.CreatePlan(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.ToolCalls) != 2 {
		t.Errorf("expected plan truncated to 2 calls, got %d", len(plan.ToolCalls))
	}
}

func TestHighRiskToolIsWarningOnly(t *testing.T) {
	tools := habitTools()
	tools[0].Tool.RiskLevel = registry.RiskHigh
	planner := NewPlanner(&plannerStubAI{responses: []string{validPlanJSON}})

	plan, err := planner.CreatePlan(context.Background(), planRequest(tools))
	if err != nil {
		t.Fatalf("high risk must not reject the plan: %v", err)
	}
	if plan.ToolCalls[0].RiskLevel != registry.RiskHigh {
		t.Errorf("call risk = %s", plan.ToolCalls[0].RiskLevel)
	}
}
