package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
	"github.com/yukie-ai/yukie/routing"
)

// AvailableTool pairs a tool schema with the service offering it. The
// planner may only emit calls drawn from this set.
type AvailableTool struct {
	ServiceID   string
	ServiceName string
	Tool        *registry.ToolSchema
	ServiceRisk registry.RiskLevel
}

// PlanRequest is the planner input.
type PlanRequest struct {
	Message        string
	Auth           *auth.Context
	AvailableTools []AvailableTool
	Model          string
	MaxTools       int
}

// PlanIssue is one validation finding. Fatal issues reject the plan;
// warnings do not.
type PlanIssue struct {
	Code    string `json:"code"`
	CallID  string `json:"callId,omitempty"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

// Validation issue codes.
const (
	IssueUnknownTool        = "unknown_tool"
	IssueMissingScope       = "missing_scope"
	IssueMissingParam       = "missing_param"
	IssueInvalidParam       = "invalid_param"
	IssueCircularDependency = "circular_dependency"
	IssueHighRiskTool       = "high_risk_tool"
)

const defaultMaxTools = 5

// Planner turns a message plus the target service's tool manifest into
// a validated Plan. The LLM drafts the plan; validation is strict and a
// draft that fails twice falls back to a deterministic single-call plan
// when the message carries enough material to fill the parameters.
type Planner struct {
	aiClient core.AIClient

	logger    core.Logger
	telemetry core.Telemetry
}

// NewPlanner creates a planner over the given LLM client.
func NewPlanner(aiClient core.AIClient) *Planner {
	return &Planner{
		aiClient:  aiClient,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider.
func (p *Planner) SetLogger(logger core.Logger) {
	if logger == nil {
		p.logger = &core.NoOpLogger{}
	} else {
		p.logger = logger
	}
}

// SetTelemetry sets the telemetry provider.
func (p *Planner) SetTelemetry(t core.Telemetry) {
	if t == nil {
		p.telemetry = &core.NoOpTelemetry{}
	} else {
		p.telemetry = t
	}
}

// planDoc is the strict JSON shape required from the LLM.
type planDoc struct {
	ToolCalls  []planDocCall `json:"toolCalls"`
	Mode       string        `json:"executionMode"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
}

type planDocCall struct {
	ID        string                 `json:"id"`
	ServiceID string                 `json:"serviceId"`
	ToolName  string                 `json:"toolName"`
	Params    map[string]interface{} `json:"params"`
	DependsOn []string               `json:"dependsOn"`
	Purpose   string                 `json:"purpose"`
}

// CreatePlan drafts, validates, and if necessary regenerates a plan.
func (p *Planner) CreatePlan(ctx context.Context, req *PlanRequest) (*Plan, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "planner.create_plan")
	defer span.End()

	if len(req.AvailableTools) == 0 {
		return nil, core.NewRouterError("planner.CreatePlan", "planner", core.ErrNoCandidates)
	}
	maxTools := req.MaxTools
	if maxTools <= 0 {
		maxTools = defaultMaxTools
	}

	plan, issues, err := p.draft(ctx, req, maxTools, nil)
	if err != nil || hasFatal(issues) {
		if err == nil {
			p.logger.Warn("Plan draft rejected, regenerating", map[string]interface{}{
				"operation":   "create_plan",
				"issue_count": len(issues),
			})
			plan, issues, err = p.draft(ctx, req, maxTools, issues)
		}
		if err != nil || hasFatal(issues) {
			p.logger.Warn("LLM planning failed, using deterministic fallback", map[string]interface{}{
				"operation": "create_plan",
				"error":     errString(err),
			})
			return p.deterministicPlan(req)
		}
	}

	for _, issue := range issues {
		p.logger.Warn("Plan warning", map[string]interface{}{
			"operation": "create_plan",
			"plan_id":   plan.ID,
			"code":      issue.Code,
			"call_id":   issue.CallID,
			"message":   issue.Message,
		})
	}

	span.SetAttribute("plan_id", plan.ID)
	span.SetAttribute("call_count", len(plan.ToolCalls))
	p.telemetry.RecordMetric("planner.plans.total", 1, map[string]string{
		"mode": string(plan.ExecutionMode),
	})
	p.logger.Info("Plan created", map[string]interface{}{
		"operation":      "create_plan",
		"plan_id":        plan.ID,
		"call_count":     len(plan.ToolCalls),
		"execution_mode": string(plan.ExecutionMode),
		"confidence":     plan.Confidence,
	})
	return plan, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func hasFatal(issues []PlanIssue) bool {
	for _, issue := range issues {
		if !issue.Warning {
			return true
		}
	}
	return false
}

// draft asks the LLM for a plan and validates it. priorIssues, when
// non-nil, are fed back into the prompt for the regeneration attempt.
func (p *Planner) draft(ctx context.Context, req *PlanRequest, maxTools int, priorIssues []PlanIssue) (*Plan, []PlanIssue, error) {
	if p.aiClient == nil {
		return nil, nil, fmt.Errorf("planner has no LLM client")
	}

	prompt := p.buildPlanPrompt(req, maxTools, priorIssues)
	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        req.Model,
		Temperature:  0.3,
		MaxTokens:    2048,
		SystemPrompt: "You are a tool-use planner. Respond with strict JSON only.",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("plan generation: %w", err)
	}

	var doc planDoc
	if err := routing.ExtractJSON(response.Content, &doc); err != nil {
		return nil, nil, fmt.Errorf("plan response unparseable: %w", err)
	}
	if len(doc.ToolCalls) == 0 {
		return nil, nil, fmt.Errorf("plan response contains no tool calls")
	}
	if len(doc.ToolCalls) > maxTools {
		doc.ToolCalls = doc.ToolCalls[:maxTools]
	}

	plan := p.buildPlan(req, &doc)
	issues := p.ValidatePlan(plan, req)
	return plan, issues, nil
}

// buildPlan converts the parsed document to a typed plan, assigning ids
// where the model omitted them and stamping risk from the tool schema.
func (p *Planner) buildPlan(req *PlanRequest, doc *planDoc) *Plan {
	plan := &Plan{
		ID:              uuid.New().String(),
		OriginalMessage: req.Message,
		ExecutionMode:   ExecutionMode(doc.Mode),
		Confidence:      doc.Confidence,
		Reasoning:       doc.Reasoning,
		CreatedAt:       time.Now(),
	}

	for i, dc := range doc.ToolCalls {
		id := dc.ID
		if id == "" {
			id = fmt.Sprintf("call-%d", i+1)
		}
		call := ToolCall{
			ID:        id,
			ServiceID: dc.ServiceID,
			ToolName:  dc.ToolName,
			Params:    dc.Params,
			DependsOn: dc.DependsOn,
		}
		if call.Params == nil {
			call.Params = map[string]interface{}{}
		}
		if tool := findTool(req.AvailableTools, dc.ServiceID, dc.ToolName); tool != nil {
			call.RiskLevel = tool.Tool.RiskLevel
			if call.RiskLevel == "" {
				call.RiskLevel = tool.ServiceRisk
			}
		}
		plan.ToolCalls = append(plan.ToolCalls, call)
	}

	// A parameter reference implies a dependency even when the model
	// forgot to declare it.
	for i := range plan.ToolCalls {
		call := &plan.ToolCalls[i]
		for _, refID := range ReferencedCalls(call.Params) {
			if refID != call.ID && !containsString(call.DependsOn, refID) {
				call.DependsOn = append(call.DependsOn, refID)
			}
		}
	}
	return plan
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func findTool(tools []AvailableTool, serviceID, toolName string) *AvailableTool {
	for i := range tools {
		if tools[i].ServiceID == serviceID && tools[i].Tool.Name == toolName {
			return &tools[i]
		}
	}
	return nil
}

// ValidatePlan runs the full check suite. Coercion is applied in place
// before type validation so the executor sees the coerced values.
func (p *Planner) ValidatePlan(plan *Plan, req *PlanRequest) []PlanIssue {
	var issues []PlanIssue

	for i := range plan.ToolCalls {
		call := &plan.ToolCalls[i]

		available := findTool(req.AvailableTools, call.ServiceID, call.ToolName)
		if available == nil {
			issues = append(issues, PlanIssue{
				Code:    IssueUnknownTool,
				CallID:  call.ID,
				Message: fmt.Sprintf("tool %s/%s is not available", call.ServiceID, call.ToolName),
			})
			continue
		}
		tool := available.Tool

		if ok, missing := req.Auth.HasAllScopes(tool.RequiredScopes); !ok {
			issues = append(issues, PlanIssue{
				Code:    IssueMissingScope,
				CallID:  call.ID,
				Message: fmt.Sprintf("missing required scope %s for %s", missing, tool.Name),
			})
		}

		call.Params = CoerceParams(call.Params, tool)
		validation := ValidateParams(call.Params, tool)
		for _, verr := range validation.Errors {
			code := IssueInvalidParam
			if verr.Code == "missing_param" {
				code = IssueMissingParam
				// A required parameter may arrive at run time through a
				// reference from a declared dependency.
				if paramDerivable(call, verr.Param) {
					continue
				}
			}
			issues = append(issues, PlanIssue{Code: code, CallID: call.ID, Message: verr.Message})
		}

		if tool.RiskLevel == registry.RiskHigh || available.ServiceRisk == registry.RiskHigh {
			issues = append(issues, PlanIssue{
				Code:    IssueHighRiskTool,
				CallID:  call.ID,
				Message: fmt.Sprintf("%s is a high-risk tool", tool.Name),
				Warning: true,
			})
		}
	}

	if err := plan.ValidateDependencies(); err != nil {
		issues = append(issues, PlanIssue{Code: IssueCircularDependency, Message: err.Error()})
		return issues
	}
	if err := plan.NormalizeExecutionOrder(); err != nil {
		issues = append(issues, PlanIssue{Code: IssueCircularDependency, Message: err.Error()})
	}
	return issues
}

// planScopeIssues re-checks a plan's tools against an auth context.
// Plans can be served from the cache across user boundaries, so the
// scope check from ValidatePlan must run again for every requester.
func planScopeIssues(plan *Plan, tools []AvailableTool, authCtx *auth.Context) []PlanIssue {
	var issues []PlanIssue
	for i := range plan.ToolCalls {
		call := &plan.ToolCalls[i]
		available := findTool(tools, call.ServiceID, call.ToolName)
		if available == nil {
			issues = append(issues, PlanIssue{
				Code:    IssueUnknownTool,
				CallID:  call.ID,
				Message: fmt.Sprintf("tool %s/%s is not available", call.ServiceID, call.ToolName),
			})
			continue
		}
		if ok, missing := authCtx.HasAllScopes(available.Tool.RequiredScopes); !ok {
			issues = append(issues, PlanIssue{
				Code:    IssueMissingScope,
				CallID:  call.ID,
				Message: fmt.Sprintf("missing required scope %s for %s", missing, available.Tool.Name),
			})
		}
	}
	return issues
}

// paramDerivable reports whether a missing required parameter is
// supplied by a reference to a declared dependency.
func paramDerivable(call *ToolCall, param string) bool {
	value, ok := call.Params[param]
	if !ok {
		return false
	}
	ref, isRef := ParseParamRef(value)
	if !isRef {
		return false
	}
	return containsString(call.DependsOn, ref.CallID)
}

// deterministicPlan is the non-LLM fallback: a single call against the
// best lexical match among the available tools, with parameters filled
// only from values extractable from the message. Anything short of a
// complete required-parameter set rejects the request rather than
// guessing.
func (p *Planner) deterministicPlan(req *PlanRequest) (*Plan, error) {
	extraction := routing.Extract(req.Message)

	best := pickToolByLexicalMatch(req.AvailableTools, extraction)
	if best == nil {
		return nil, core.NewRouterError("planner.CreatePlan", "planner", core.ErrNoCandidates)
	}

	params := map[string]interface{}{}
	for i := range best.Tool.Parameters {
		schema := &best.Tool.Parameters[i]
		if value, ok := deriveParam(schema, extraction); ok {
			params[schema.Name] = value
		} else if schema.Required && schema.Default == nil {
			return nil, &PlanRejectedError{Issues: []PlanIssue{{
				Code:    IssueMissingParam,
				Message: fmt.Sprintf("cannot derive required parameter %q from the message", schema.Name),
			}}}
		}
	}

	callID := "call-1"
	plan := &Plan{
		ID:              uuid.New().String(),
		OriginalMessage: req.Message,
		ToolCalls: []ToolCall{{
			ID:        callID,
			ServiceID: best.ServiceID,
			ToolName:  best.Tool.Name,
			Params:    CoerceParams(params, best.Tool),
			RiskLevel: best.Tool.RiskLevel,
		}},
		ExecutionMode:  ModeSingle,
		ExecutionOrder: [][]string{{callID}},
		Confidence:     0.5,
		Reasoning:      "Deterministic fallback plan from lexical matching",
		CreatedAt:      time.Now(),
	}

	issues := p.ValidatePlan(plan, req)
	if hasFatal(issues) {
		return nil, &PlanRejectedError{Issues: issues}
	}
	return plan, nil
}

// PlanRejectedError carries the fatal validation issues of a rejected
// plan to the HTTP surface.
type PlanRejectedError struct {
	Issues []PlanIssue
}

func (e *PlanRejectedError) Error() string {
	if len(e.Issues) == 0 {
		return core.ErrPlanInvalid.Error()
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Code + ": " + issue.Message
	}
	return "plan rejected: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match with errors.Is(err, core.ErrPlanInvalid).
func (e *PlanRejectedError) Unwrap() error {
	for _, issue := range e.Issues {
		if issue.Code == IssueMissingScope {
			return core.ErrMissingScope
		}
	}
	return core.ErrPlanInvalid
}

func pickToolByLexicalMatch(tools []AvailableTool, ex *routing.Extraction) *AvailableTool {
	var best *AvailableTool
	bestScore := 0
	for i := range tools {
		score := lexicalScore(&tools[i], ex)
		if score > bestScore {
			bestScore = score
			best = &tools[i]
		}
	}
	if best == nil && len(tools) == 1 {
		// A single available tool is its own best match.
		return &tools[0]
	}
	return best
}

func lexicalScore(tool *AvailableTool, ex *routing.Extraction) int {
	haystack := strings.ToLower(tool.Tool.Name + " " + tool.Tool.Description)
	score := 0
	for _, kw := range ex.Keywords {
		if strings.Contains(haystack, kw) {
			score++
		}
	}
	for _, intent := range ex.Intents {
		if strings.Contains(haystack, intent) {
			score += 2
		}
	}
	return score
}

// deriveParam fills a parameter from message entities by name
// convention: date-like names take extracted dates, time-like names
// take extracted times, name-like names take proper nouns or the first
// keyword. Defaults cover the rest.
func deriveParam(schema *registry.Parameter, ex *routing.Extraction) (interface{}, bool) {
	lower := strings.ToLower(schema.Name)
	switch {
	case strings.Contains(lower, "date") || strings.Contains(lower, "day"):
		if len(ex.Entities.Dates) > 0 {
			return ex.Entities.Dates[0], true
		}
	case strings.Contains(lower, "start") && len(ex.Entities.Times) > 0:
		return ex.Entities.Times[0], true
	case strings.Contains(lower, "end") && len(ex.Entities.Times) > 1:
		return ex.Entities.Times[1], true
	case strings.Contains(lower, "time") && len(ex.Entities.Times) > 0:
		return ex.Entities.Times[0], true
	case nameLike(lower):
		if len(ex.Entities.Names) > 0 {
			return ex.Entities.Names[0], true
		}
		if len(ex.Keywords) > 0 {
			return ex.Keywords[0], true
		}
	}
	if schema.Default != nil {
		return schema.Default, true
	}
	return nil, false
}

func nameLike(param string) bool {
	for _, candidate := range []string{"name", "title", "habit", "activity", "category", "label"} {
		if strings.Contains(param, candidate) {
			return true
		}
	}
	return false
}

func (p *Planner) buildPlanPrompt(req *PlanRequest, maxTools int, priorIssues []PlanIssue) string {
	var b strings.Builder
	b.WriteString("Plan tool calls to satisfy the user request using only the tools listed below.\n\nAvailable tools:\n")
	for _, at := range req.AvailableTools {
		fmt.Fprintf(&b, "- serviceId: %s\n  toolName: %s\n  description: %s\n  parameters:\n",
			at.ServiceID, at.Tool.Name, at.Tool.Description)
		for _, param := range at.Tool.Parameters {
			required := "optional"
			if param.Required {
				required = "required"
			}
			fmt.Fprintf(&b, "    - %s (%s, %s): %s\n", param.Name, param.Type, required, param.Description)
			if len(param.Enum) > 0 {
				fmt.Fprintf(&b, "      allowed values: %s\n", strings.Join(param.Enum, ", "))
			}
		}
	}

	fmt.Fprintf(&b, "\nUser message: %s\n", req.Message)
	fmt.Fprintf(&b, "\nRules:\n- Emit at most %d tool calls.\n", maxTools)
	b.WriteString("- Reference an earlier call's output with the exact string \"${callId.path.to.field}\".\n")
	b.WriteString("- List every call a call reads from in its dependsOn array.\n")

	if len(priorIssues) > 0 {
		b.WriteString("\nYour previous plan was rejected for these reasons; fix them:\n")
		for _, issue := range priorIssues {
			if issue.Warning {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", issue.Code, issue.Message)
		}
	}

	b.WriteString(`
Respond with JSON only, no explanation:
{
  "toolCalls": [{"id": "call-1", "serviceId": "...", "toolName": "...", "params": {}, "dependsOn": [], "purpose": "..."}],
  "executionMode": "single|parallel|sequential|mixed",
  "confidence": 0.0,
  "reasoning": "one sentence"
}`)
	return b.String()
}
