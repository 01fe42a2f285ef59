package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
	"github.com/yukie-ai/yukie/security"
)

// ExecOptions tunes one plan execution. Zero values fall back to the
// executor defaults.
type ExecOptions struct {
	MaxParallel         int
	Timeout             time.Duration
	RetryFailedCalls    bool
	MaxRetries          int
	RequireConfirmation bool
}

const (
	defaultMaxParallel = 5
	defaultCallTimeout = 30 * time.Second
	defaultMaxRetries  = 2
)

// ExecutionResult is the settled outcome of a plan. Success is true iff
// every call succeeded.
type ExecutionResult struct {
	PlanID   string                     `json:"planId"`
	Success  bool                       `json:"success"`
	Results  map[string]*ToolCallResult `json:"results"`
	State    *WorkingState              `json:"state"`
	Duration time.Duration              `json:"duration"`
}

// Executor dispatches a plan's calls to downstream services with
// dependency ordering and bounded parallelism. A failed call never
// aborts its siblings; group boundaries are the only synchronisation
// points.
type Executor struct {
	registry      *registry.ServiceRegistry
	sanitizer     *security.Sanitizer
	classifier    *security.RiskClassifier
	confirmations *security.ConfirmationGate
	audit         *security.AuditLog
	httpClient    *http.Client
	defaults      ExecOptions

	logger    core.Logger
	telemetry core.Telemetry
}

// NewExecutor creates an executor over the registry with the default
// security chain disabled until wired via the setters.
func NewExecutor(reg *registry.ServiceRegistry) *Executor {
	return &Executor{
		registry: reg,
		// No client-level timeout: each call runs under its own
		// context deadline, which must govern even above the default.
		httpClient: &http.Client{},
		defaults: ExecOptions{
			MaxParallel: defaultMaxParallel,
			Timeout:     defaultCallTimeout,
			MaxRetries:  defaultMaxRetries,
		},
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider.
func (e *Executor) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
	} else {
		e.logger = logger
	}
}

// SetTelemetry sets the telemetry provider.
func (e *Executor) SetTelemetry(t core.Telemetry) {
	if t == nil {
		e.telemetry = &core.NoOpTelemetry{}
	} else {
		e.telemetry = t
	}
}

// SetSecurity wires the sanitizer, risk classifier and confirmation
// gate. Any nil component disables that check.
func (e *Executor) SetSecurity(sanitizer *security.Sanitizer, classifier *security.RiskClassifier, gate *security.ConfirmationGate) {
	e.sanitizer = sanitizer
	e.classifier = classifier
	e.confirmations = gate
}

// SetAudit wires the audit log.
func (e *Executor) SetAudit(audit *security.AuditLog) {
	e.audit = audit
}

// SetDefaults overrides the executor-wide option defaults.
func (e *Executor) SetDefaults(opts ExecOptions) {
	if opts.MaxParallel > 0 {
		e.defaults.MaxParallel = opts.MaxParallel
	}
	if opts.Timeout > 0 {
		e.defaults.Timeout = opts.Timeout
	}
	e.defaults.RetryFailedCalls = opts.RetryFailedCalls
	if opts.MaxRetries > 0 {
		e.defaults.MaxRetries = opts.MaxRetries
	}
	e.defaults.RequireConfirmation = opts.RequireConfirmation
}

// SetHTTPClient replaces the outbound HTTP client.
func (e *Executor) SetHTTPClient(client *http.Client) {
	if client != nil {
		e.httpClient = client
	}
}

func (e *Executor) options(opts *ExecOptions) ExecOptions {
	merged := e.defaults
	if opts == nil {
		return merged
	}
	if opts.MaxParallel > 0 {
		merged.MaxParallel = opts.MaxParallel
	}
	if opts.Timeout > 0 {
		merged.Timeout = opts.Timeout
	}
	if opts.RetryFailedCalls {
		merged.RetryFailedCalls = true
		if opts.MaxRetries > 0 {
			merged.MaxRetries = opts.MaxRetries
		}
	}
	if opts.RequireConfirmation {
		merged.RequireConfirmation = true
	}
	return merged
}

// Execute runs the plan to completion and returns the settled results.
func (e *Executor) Execute(ctx context.Context, plan *Plan, authCtx *auth.Context, opts *ExecOptions) (*ExecutionResult, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "executor.execute")
	defer span.End()
	span.SetAttribute("plan_id", plan.ID)
	span.SetAttribute("call_count", len(plan.ToolCalls))

	merged := e.options(opts)
	state := NewWorkingState(plan)
	start := time.Now()

	e.logger.Info("Plan execution started", map[string]interface{}{
		"operation":      "execute_plan",
		"plan_id":        plan.ID,
		"call_count":     len(plan.ToolCalls),
		"execution_mode": string(plan.ExecutionMode),
		"group_count":    len(plan.ExecutionOrder),
	})

	switch {
	case plan.ExecutionMode == ModeSingle && len(plan.ToolCalls) == 1:
		result := e.executeCall(ctx, plan, &plan.ToolCalls[0], authCtx, state, merged)
		state.Record(result)
	case len(plan.ExecutionOrder) > 0:
		e.executeOrdered(ctx, plan, authCtx, state, merged)
	default:
		e.executeGroup(ctx, plan, callIDs(plan), authCtx, state, merged)
	}

	success := len(state.Failed) == 0 && len(state.Completed) == len(plan.ToolCalls)
	duration := time.Since(start)

	e.telemetry.RecordMetric("executor.plans.total", 1, map[string]string{
		"success": fmt.Sprintf("%t", success),
	})
	e.logger.Info("Plan execution finished", map[string]interface{}{
		"operation":   "execute_plan",
		"plan_id":     plan.ID,
		"success":     success,
		"completed":   len(state.Completed),
		"failed":      len(state.Failed),
		"duration_ms": duration.Milliseconds(),
	})

	return &ExecutionResult{
		PlanID:   plan.ID,
		Success:  success,
		Results:  state.Results,
		State:    state,
		Duration: duration,
	}, nil
}

func callIDs(plan *Plan) []string {
	ids := make([]string, len(plan.ToolCalls))
	for i := range plan.ToolCalls {
		ids[i] = plan.ToolCalls[i].ID
	}
	return ids
}

func (e *Executor) executeOrdered(ctx context.Context, plan *Plan, authCtx *auth.Context, state *WorkingState, opts ExecOptions) {
	for _, group := range plan.ExecutionOrder {
		e.executeGroup(ctx, plan, group, authCtx, state, opts)
	}
}

// executeGroup runs one execution group. Single calls run inline;
// larger groups run in batches of at most MaxParallel concurrent calls.
// Results are recorded only after the whole batch settles so the state
// map stays read-only for the calls in flight.
func (e *Executor) executeGroup(ctx context.Context, plan *Plan, group []string, authCtx *auth.Context, state *WorkingState, opts ExecOptions) {
	if len(group) == 1 {
		if call, ok := plan.Call(group[0]); ok {
			state.Record(e.executeCall(ctx, plan, call, authCtx, state, opts))
		}
		return
	}

	for batchStart := 0; batchStart < len(group); batchStart += opts.MaxParallel {
		batchEnd := batchStart + opts.MaxParallel
		if batchEnd > len(group) {
			batchEnd = len(group)
		}
		batch := group[batchStart:batchEnd]

		results := make([]*ToolCallResult, len(batch))
		var wg sync.WaitGroup
		for i, id := range batch {
			call, ok := plan.Call(id)
			if !ok {
				continue
			}
			wg.Add(1)
			go func(i int, call *ToolCall) {
				defer wg.Done()
				results[i] = e.executeCall(ctx, plan, call, authCtx, state, opts)
			}(i, call)
		}
		wg.Wait()

		for _, result := range results {
			if result != nil {
				state.Record(result)
			}
		}
	}
}

// executeCall runs one call through the security chain and dispatch.
// Panics inside the call path become a failed result rather than taking
// down sibling calls.
func (e *Executor) executeCall(ctx context.Context, plan *Plan, call *ToolCall, authCtx *auth.Context, state *WorkingState, opts ExecOptions) (result *ToolCallResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic during call execution", map[string]interface{}{
				"operation": "execute_call",
				"plan_id":   plan.ID,
				"call_id":   call.ID,
				"panic":     fmt.Sprintf("%v", r),
			})
			result = e.failure(call, start, CodeExecutionError, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	params := ResolveParams(call.Params, state.Results)

	if e.sanitizer != nil {
		sanitized := e.sanitizer.Sanitize(params)
		for _, warning := range sanitized.Warnings {
			e.logger.Warn("Sanitizer warning", map[string]interface{}{
				"operation": "execute_call",
				"call_id":   call.ID,
				"warning":   warning,
			})
			e.recordAudit(security.KindSecurityWarning, authCtx, map[string]interface{}{
				"planId":  plan.ID,
				"callId":  call.ID,
				"warning": warning,
			})
		}
		if len(sanitized.Blocked) > 0 {
			e.recordAudit(security.KindSecurityWarning, authCtx, map[string]interface{}{
				"planId":  plan.ID,
				"callId":  call.ID,
				"blocked": blockedSummary(sanitized.Blocked),
			})
			return e.failure(call, start, CodeSecurityBlocked,
				"call blocked by input sanitizer", map[string]interface{}{
					"blocked": blockedSummary(sanitized.Blocked),
				})
		}
		params = sanitized.Clean
	}

	def, err := e.registry.Get(call.ServiceID)
	if err != nil {
		return e.failure(call, start, CodeInvocationFailed,
			fmt.Sprintf("service %s is not registered", call.ServiceID), nil)
	}

	if e.classifier != nil {
		assessment := e.classifier.Assess(&security.CallProfile{
			ServiceID:   call.ServiceID,
			ToolName:    call.ToolName,
			Params:      params,
			BaseRisk:    call.RiskLevel,
			ServiceRisk: def.RiskLevel,
			ServiceTags: def.Tags,
		})
		if assessment.RequiresConfirmation && opts.RequireConfirmation && e.confirmations != nil {
			if result := e.awaitConfirmation(ctx, plan, call, authCtx, assessment, start); result != nil {
				return result
			}
		}
	}

	e.recordAudit(security.KindToolInvoke, authCtx, map[string]interface{}{
		"planId":    plan.ID,
		"callId":    call.ID,
		"serviceId": call.ServiceID,
		"toolName":  call.ToolName,
		"params":    params,
	})

	result = e.invoke(ctx, def, call, params, authCtx, opts)
	if opts.RetryFailedCalls {
		for attempt := 0; attempt < opts.MaxRetries && !result.Success && result.Error != nil && result.Error.Code == CodeExecutionError; attempt++ {
			result = e.invoke(ctx, def, call, params, authCtx, opts)
		}
	}
	result.DurationMs = time.Since(start).Milliseconds()

	e.recordAudit(security.KindToolComplete, authCtx, map[string]interface{}{
		"planId":     plan.ID,
		"callId":     call.ID,
		"serviceId":  call.ServiceID,
		"toolName":   call.ToolName,
		"success":    result.Success,
		"durationMs": result.DurationMs,
	})
	e.telemetry.RecordMetric("executor.calls.total", 1, map[string]string{
		"service": call.ServiceID,
		"success": fmt.Sprintf("%t", result.Success),
	})
	return result
}

// awaitConfirmation opens a gate request and blocks until it settles.
// Returns nil when the call is confirmed and may proceed.
func (e *Executor) awaitConfirmation(ctx context.Context, plan *Plan, call *ToolCall, authCtx *auth.Context, assessment *security.Assessment, start time.Time) *ToolCallResult {
	userID := ""
	if authCtx != nil {
		userID = authCtx.UserID
	}
	req, err := e.confirmations.CreateRequest(ctx, plan.ID, call.ID, userID, assessment)
	if err != nil {
		return e.failure(call, start, CodeExecutionError,
			fmt.Sprintf("confirmation gate unavailable: %v", err), nil)
	}

	settled, err := e.confirmations.Await(ctx, req.ID)
	if err != nil {
		return e.failure(call, start, CodeConfirmationExpired,
			"confirmation could not be resolved", nil)
	}
	switch settled.Status {
	case security.StatusConfirmed:
		return nil
	case security.StatusDenied:
		reason := ""
		if settled.Response != nil {
			reason = settled.Response.Reason
		}
		return e.failure(call, start, CodeConfirmationDenied,
			"user denied the operation", map[string]interface{}{"reason": reason})
	default:
		return e.failure(call, start, CodeConfirmationExpired,
			"confirmation request expired before a response", nil)
	}
}

// invokeRequest is the wire body of the downstream invoke endpoint.
type invokeRequest struct {
	Action  string                 `json:"action"`
	Params  map[string]interface{} `json:"params"`
	Context invokeContext          `json:"context"`
}

type invokeContext struct {
	UserID    string   `json:"userId"`
	RequestID string   `json:"requestId"`
	Scopes    []string `json:"scopes"`
}

type invokeResponse struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ToolError  `json:"error,omitempty"`
}

// invoke POSTs the call to the service's invoke endpoint under the
// per-call timeout.
func (e *Executor) invoke(ctx context.Context, def *registry.ServiceDefinition, call *ToolCall, params map[string]interface{}, authCtx *auth.Context, opts ExecOptions) *ToolCallResult {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	body := invokeRequest{Action: call.ToolName, Params: params}
	if authCtx != nil {
		body.Context = invokeContext{
			UserID:    authCtx.UserID,
			RequestID: authCtx.RequestID,
			Scopes:    authCtx.Scopes,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return e.failure(call, start, CodeExecutionError, fmt.Sprintf("encoding request: %v", err), nil)
	}

	url := e.registry.BaseURL(def) + def.Endpoints.Invoke
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return e.failure(call, start, CodeExecutionError, fmt.Sprintf("building request: %v", err), nil)
	}
	req.Header.Set("Content-Type", "application/json")
	if authCtx != nil {
		req.Header.Set("X-Yukie-User-Id", authCtx.UserID)
		req.Header.Set("X-Yukie-Scopes", strings.Join(authCtx.Scopes, ","))
		req.Header.Set("X-Yukie-Request-Id", authCtx.RequestID)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return e.failure(call, start, CodeExecutionError, fmt.Sprintf("invoking %s: %v", call.ToolName, err), nil)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return e.failure(call, start, CodeExecutionError, fmt.Sprintf("reading response: %v", err), nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return e.failure(call, start, CodeInvocationFailed,
			fmt.Sprintf("service returned status %d", resp.StatusCode), map[string]interface{}{
				"status": resp.StatusCode,
				"body":   string(raw),
			})
	}

	var decoded invokeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return e.failure(call, start, CodeExecutionError, fmt.Sprintf("decoding response: %v", err), nil)
	}
	if !decoded.Success {
		toolErr := decoded.Error
		if toolErr == nil {
			toolErr = &ToolError{Code: CodeInvocationFailed, Message: "service reported failure without detail"}
		}
		return &ToolCallResult{
			ID:         call.ID,
			ServiceID:  call.ServiceID,
			ToolName:   call.ToolName,
			Success:    false,
			Error:      toolErr,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	return &ToolCallResult{
		ID:         call.ID,
		ServiceID:  call.ServiceID,
		ToolName:   call.ToolName,
		Success:    true,
		Result:     decoded.Result,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func (e *Executor) failure(call *ToolCall, start time.Time, code, message string, details map[string]interface{}) *ToolCallResult {
	return &ToolCallResult{
		ID:        call.ID,
		ServiceID: call.ServiceID,
		ToolName:  call.ToolName,
		Success:   false,
		Error: &ToolError{
			Code:    code,
			Message: message,
			Details: details,
		},
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func (e *Executor) recordAudit(kind security.AuditKind, authCtx *auth.Context, details map[string]interface{}) {
	if e.audit == nil {
		return
	}
	userID, requestID := "", ""
	if authCtx != nil {
		userID, requestID = authCtx.UserID, authCtx.RequestID
	}
	e.audit.Record(kind, userID, requestID, details)
}

func blockedSummary(blocked []security.BlockedField) []interface{} {
	out := make([]interface{}, len(blocked))
	for i, b := range blocked {
		out[i] = map[string]interface{}{"param": b.Param, "reason": b.Reason}
	}
	return out
}
