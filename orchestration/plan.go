// Package orchestration turns a routed user message into a typed
// multi-tool plan, executes it with bounded parallelism and dependency
// ordering, and composes the results into a reply.
package orchestration

import (
	"fmt"
	"time"

	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
)

// ExecutionMode describes how a plan's tool calls are scheduled.
type ExecutionMode string

const (
	ModeSingle     ExecutionMode = "single"
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
	ModeMixed      ExecutionMode = "mixed"
)

// ToolCall is one operation in a plan. IDs are unique within the plan;
// DependsOn references other call ids in the same plan.
type ToolCall struct {
	ID        string                 `json:"id"`
	ServiceID string                 `json:"serviceId"`
	ToolName  string                 `json:"toolName"`
	Params    map[string]interface{} `json:"params"`
	DependsOn []string               `json:"dependsOn,omitempty"`
	RiskLevel registry.RiskLevel     `json:"riskLevel,omitempty"`
}

// Plan is an ordered, dependency-aware collection of tool calls derived
// from a user message. ExecutionOrder is a topological layering: each
// group runs in parallel, groups run strictly in order.
type Plan struct {
	ID              string        `json:"id"`
	OriginalMessage string        `json:"originalMessage"`
	ToolCalls       []ToolCall    `json:"toolCalls"`
	ExecutionMode   ExecutionMode `json:"executionMode"`
	ExecutionOrder  [][]string    `json:"executionOrder"`
	Confidence      float64       `json:"confidence"`
	Reasoning       string        `json:"reasoning"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Call looks up a tool call by id.
func (p *Plan) Call(id string) (*ToolCall, bool) {
	for i := range p.ToolCalls {
		if p.ToolCalls[i].ID == id {
			return &p.ToolCalls[i], true
		}
	}
	return nil, false
}

// ToolError is the structured failure recorded on a call result.
type ToolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error codes recorded on tool call results.
const (
	CodeInvocationFailed    = "INVOCATION_FAILED"
	CodeExecutionError      = "EXECUTION_ERROR"
	CodeSecurityBlocked     = "SECURITY_BLOCKED"
	CodeConfirmationDenied  = "CONFIRMATION_DENIED"
	CodeConfirmationExpired = "CONFIRMATION_EXPIRED"
)

// ToolCallResult is the outcome of one executed call.
type ToolCallResult struct {
	ID         string      `json:"id"`
	ServiceID  string      `json:"serviceId"`
	ToolName   string      `json:"toolName"`
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	Error      *ToolError  `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// WorkingState is the per-plan execution bookkeeping. It is owned by the
// executor running the plan and must not be shared across goroutines
// without the executor's own synchronisation.
type WorkingState struct {
	PlanID        string                     `json:"planId"`
	CurrentStep   int                        `json:"currentStep"`
	TotalSteps    int                        `json:"totalSteps"`
	Completed     map[string]bool            `json:"completed"`
	Pending       map[string]bool            `json:"pending"`
	Failed        map[string]bool            `json:"failed"`
	Results       map[string]*ToolCallResult `json:"results"`
	StartedAt     time.Time                  `json:"startedAt"`
	LastUpdatedAt time.Time                  `json:"lastUpdatedAt"`
}

// NewWorkingState initialises state for a plan with every call pending.
func NewWorkingState(plan *Plan) *WorkingState {
	ws := &WorkingState{
		PlanID:        plan.ID,
		TotalSteps:    len(plan.ToolCalls),
		Completed:     make(map[string]bool),
		Pending:       make(map[string]bool),
		Failed:        make(map[string]bool),
		Results:       make(map[string]*ToolCallResult),
		StartedAt:     time.Now(),
		LastUpdatedAt: time.Now(),
	}
	for _, call := range plan.ToolCalls {
		ws.Pending[call.ID] = true
	}
	return ws
}

// Record moves a call out of pending and stores its result.
func (ws *WorkingState) Record(result *ToolCallResult) {
	delete(ws.Pending, result.ID)
	if result.Success {
		ws.Completed[result.ID] = true
	} else {
		ws.Failed[result.ID] = true
	}
	ws.Results[result.ID] = result
	ws.CurrentStep = len(ws.Completed) + len(ws.Failed)
	ws.LastUpdatedAt = time.Now()
}

// ValidateDependencies checks that every DependsOn reference exists and
// that the dependency relation is acyclic.
func (p *Plan) ValidateDependencies() error {
	ids := make(map[string]bool, len(p.ToolCalls))
	for _, call := range p.ToolCalls {
		if ids[call.ID] {
			return fmt.Errorf("duplicate call id %q: %w", call.ID, core.ErrPlanInvalid)
		}
		ids[call.ID] = true
	}
	for _, call := range p.ToolCalls {
		for _, dep := range call.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("call %s depends on unknown call %q: %w", call.ID, dep, core.ErrPlanInvalid)
			}
			if dep == call.ID {
				return fmt.Errorf("call %s depends on itself: %w", call.ID, core.ErrCircularDependency)
			}
		}
	}
	if _, err := p.BuildExecutionOrder(); err != nil {
		return err
	}
	return nil
}

// BuildExecutionOrder derives the topological layering from DependsOn:
// layer 0 holds calls with no dependencies, layer n+1 holds calls whose
// dependencies all sit in layers <= n. A cycle leaves calls unassigned
// and yields ErrCircularDependency.
func (p *Plan) BuildExecutionOrder() ([][]string, error) {
	levels := make(map[string]int, len(p.ToolCalls))
	maxLevel := 0

	for _, call := range p.ToolCalls {
		if len(call.DependsOn) == 0 {
			levels[call.ID] = 0
		}
	}

	changed := true
	for changed {
		changed = false
		for _, call := range p.ToolCalls {
			if _, ok := levels[call.ID]; ok {
				continue
			}
			maxDep := -1
			ready := true
			for _, dep := range call.DependsOn {
				depLevel, ok := levels[dep]
				if !ok {
					ready = false
					break
				}
				if depLevel > maxDep {
					maxDep = depLevel
				}
			}
			if ready {
				levels[call.ID] = maxDep + 1
				if maxDep+1 > maxLevel {
					maxLevel = maxDep + 1
				}
				changed = true
			}
		}
	}

	if len(levels) != len(p.ToolCalls) {
		return nil, core.ErrCircularDependency
	}

	order := make([][]string, maxLevel+1)
	for _, call := range p.ToolCalls {
		level := levels[call.ID]
		order[level] = append(order[level], call.ID)
	}
	return order, nil
}

// ValidateExecutionOrder checks that ExecutionOrder is a topological
// layering of the dependency relation: every call appears in exactly one
// group, and a group only contains calls whose dependencies all lie in
// strictly earlier groups.
func (p *Plan) ValidateExecutionOrder() error {
	if len(p.ExecutionOrder) == 0 {
		return fmt.Errorf("execution order missing: %w", core.ErrPlanInvalid)
	}

	group := make(map[string]int)
	for gi, ids := range p.ExecutionOrder {
		for _, id := range ids {
			if _, seen := group[id]; seen {
				return fmt.Errorf("call %s appears in multiple groups: %w", id, core.ErrPlanInvalid)
			}
			if _, ok := p.Call(id); !ok {
				return fmt.Errorf("execution order references unknown call %q: %w", id, core.ErrPlanInvalid)
			}
			group[id] = gi
		}
	}
	if len(group) != len(p.ToolCalls) {
		return fmt.Errorf("execution order omits calls: %w", core.ErrPlanInvalid)
	}

	for _, call := range p.ToolCalls {
		for _, dep := range call.DependsOn {
			if group[dep] >= group[call.ID] {
				return fmt.Errorf("call %s in group %d depends on %s in group %d: %w",
					call.ID, group[call.ID], dep, group[dep], core.ErrPlanInvalid)
			}
		}
	}
	return nil
}

// NormalizeExecutionOrder fills in ExecutionOrder from the dependency
// graph when the planner omitted it, and derives the execution mode.
func (p *Plan) NormalizeExecutionOrder() error {
	if len(p.ExecutionOrder) == 0 {
		order, err := p.BuildExecutionOrder()
		if err != nil {
			return err
		}
		p.ExecutionOrder = order
	}
	if err := p.ValidateExecutionOrder(); err != nil {
		return err
	}
	if p.ExecutionMode == "" {
		p.ExecutionMode = deriveMode(p)
	}
	return nil
}

func deriveMode(p *Plan) ExecutionMode {
	switch {
	case len(p.ToolCalls) == 1:
		return ModeSingle
	case len(p.ExecutionOrder) == 1:
		return ModeParallel
	case allSingleton(p.ExecutionOrder):
		return ModeSequential
	default:
		return ModeMixed
	}
}

func allSingleton(order [][]string) bool {
	for _, group := range order {
		if len(group) != 1 {
			return false
		}
	}
	return true
}
