package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
	"github.com/yukie-ai/yukie/routing"
	"github.com/yukie-ai/yukie/security"
)

// Processing stages reported in error envelopes.
const (
	StageRegistryInit = "registry_init"
	StageLLMRateLimit = "llm_rate_limit"
	StageLLMAuth      = "llm_auth"
	StageTimeout      = "timeout"
	StageNetwork      = "network"
	StageNotFound     = "not_found"
	StageProcessChat  = "process_chat"
	StageUnknown      = "unknown"
)

// StageError tags an error with the pipeline stage it arose in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
}

// ChatResponse is the composed reply plus routing metadata.
type ChatResponse struct {
	Response       string               `json:"response"`
	ConversationID string               `json:"conversationId"`
	ServiceUsed    string               `json:"serviceUsed,omitempty"`
	ActionInvoked  string               `json:"actionInvoked,omitempty"`
	RoutingDetails *routing.RouteResult `json:"routingDetails,omitempty"`
	Content        string               `json:"content,omitempty"`
}

// RequestRecord is one entry in the recent-request history.
type RequestRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"userId"`
	Service    string    `json:"service"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
}

// PipelineStats aggregates processing counters.
type PipelineStats struct {
	TotalRequests int64   `json:"totalRequests"`
	Routed        int64   `json:"routed"`
	NoCandidate   int64   `json:"noCandidate"`
	Failures      int64   `json:"failures"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
}

const historyCapacity = 200

// Pipeline wires the router, planner, executor and composer into the
// end-to-end chat flow. All dependencies are injected at construction;
// there are no package-level singletons.
type Pipeline struct {
	registry  *registry.ServiceRegistry
	router    *routing.Router
	planner   *Planner
	executor  *Executor
	composer  *Composer
	audit     *security.AuditLog
	planCache *PlanCache

	routingEnabled      bool
	requireConfirmation bool
	defaultModel        string

	mu         sync.Mutex
	stats      PipelineStats
	latencySum int64
	history    []RequestRecord

	logger    core.Logger
	telemetry core.Telemetry
}

// NewPipeline assembles the chat pipeline. Routing is enabled by
// default.
func NewPipeline(reg *registry.ServiceRegistry, router *routing.Router, planner *Planner, executor *Executor, composer *Composer) *Pipeline {
	return &Pipeline{
		registry:       reg,
		router:         router,
		planner:        planner,
		executor:       executor,
		composer:       composer,
		planCache:      NewPlanCache(500, time.Minute),
		routingEnabled: true,
		logger:         &core.NoOpLogger{},
		telemetry:      &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider.
func (p *Pipeline) SetLogger(logger core.Logger) {
	if logger == nil {
		p.logger = &core.NoOpLogger{}
	} else {
		p.logger = logger
	}
}

// SetTelemetry sets the telemetry provider.
func (p *Pipeline) SetTelemetry(t core.Telemetry) {
	if t == nil {
		p.telemetry = &core.NoOpTelemetry{}
	} else {
		p.telemetry = t
	}
}

// SetAudit wires the audit log.
func (p *Pipeline) SetAudit(audit *security.AuditLog) {
	p.audit = audit
}

// SetRoutingEnabled toggles the router; when disabled, messages go
// straight to the LLM. Used for debugging deployments.
func (p *Pipeline) SetRoutingEnabled(enabled bool) {
	p.routingEnabled = enabled
}

// SetRequireConfirmation toggles the confirmation gate for risky calls.
func (p *Pipeline) SetRequireConfirmation(required bool) {
	p.requireConfirmation = required
}

// SetDefaultModel sets the model used when a request names none.
func (p *Pipeline) SetDefaultModel(model string) {
	p.defaultModel = model
}

// PlanCache exposes the cache for stats endpoints.
func (p *Pipeline) PlanCache() *PlanCache {
	return p.planCache
}

// ProcessChat runs the full flow for one message: route, plan, execute,
// compose. Errors carry a stage tag for the HTTP error envelope.
func (p *Pipeline) ProcessChat(ctx context.Context, authCtx *auth.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "pipeline.process_chat")
	defer span.End()

	start := time.Now()
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	resp, err := p.process(ctx, authCtx, req, model, conversationID)
	p.recordRequest(authCtx, resp, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) process(ctx context.Context, authCtx *auth.Context, req *ChatRequest, model, conversationID string) (*ChatResponse, error) {
	if !p.routingEnabled {
		reply := p.composer.ComposeFallback(ctx, req.Message, model)
		return &ChatResponse{Response: reply, ConversationID: conversationID, Content: reply}, nil
	}

	route, err := p.router.Route(ctx, &routing.RouteRequest{
		Message: req.Message,
		Auth:    authCtx,
		Model:   model,
	})
	if err != nil {
		return nil, p.stageError(err, StageProcessChat)
	}
	p.recordAudit(security.KindRoutingDecision, authCtx, map[string]interface{}{
		"targetService": route.TargetService,
		"confidence":    route.Confidence,
		"candidates":    len(route.Candidates),
	})

	if route.TargetService == "none" {
		p.bumpNoCandidate()
		reply := p.composer.ComposeFallback(ctx, req.Message, model)
		return &ChatResponse{
			Response:       reply,
			ConversationID: conversationID,
			RoutingDetails: route,
			Content:        reply,
		}, nil
	}

	manifest, err := p.registry.Manifest(ctx, route.TargetService)
	if err != nil {
		return nil, p.stageError(err, StageNetwork)
	}
	def, err := p.registry.Get(route.TargetService)
	if err != nil {
		return nil, &StageError{Stage: StageNotFound, Err: err}
	}

	available := make([]AvailableTool, 0, len(manifest.Tools))
	for i := range manifest.Tools {
		available = append(available, AvailableTool{
			ServiceID:   def.ID,
			ServiceName: def.Name,
			Tool:        &manifest.Tools[i],
			ServiceRisk: def.RiskLevel,
		})
	}

	plan, cached := p.planCache.Get(route.TargetService, req.Message)
	if cached {
		// The cache is shared across users; the requester's scopes must
		// be checked against the plan every time.
		if issues := planScopeIssues(plan, available, authCtx); len(issues) > 0 {
			return nil, &PlanRejectedError{Issues: issues}
		}
	} else {
		plan, err = p.planner.CreatePlan(ctx, &PlanRequest{
			Message:        req.Message,
			Auth:           authCtx,
			AvailableTools: available,
			Model:          model,
		})
		if err != nil {
			var rejected *PlanRejectedError
			if errors.As(err, &rejected) {
				return nil, err
			}
			return nil, p.stageError(err, StageProcessChat)
		}
		p.planCache.Set(route.TargetService, req.Message, plan)
	}
	p.recordAudit(security.KindPlanCreated, authCtx, map[string]interface{}{
		"planId":    plan.ID,
		"callCount": len(plan.ToolCalls),
		"mode":      string(plan.ExecutionMode),
		"cached":    cached,
	})

	exec, err := p.executor.Execute(ctx, plan, authCtx, &ExecOptions{
		RequireConfirmation: p.requireConfirmation,
	})
	if err != nil {
		return nil, p.stageError(err, StageProcessChat)
	}

	var reply, action string
	if len(plan.ToolCalls) == 1 {
		action = plan.ToolCalls[0].ToolName
		reply = p.composer.ComposeSingle(ctx, req.Message, model, exec.Results[plan.ToolCalls[0].ID])
	} else {
		reply = p.composer.ComposeMulti(ctx, req.Message, model, plan, exec.Results)
	}

	p.bumpRouted()
	return &ChatResponse{
		Response:       reply,
		ConversationID: conversationID,
		ServiceUsed:    route.TargetService,
		ActionInvoked:  action,
		RoutingDetails: route,
		Content:        reply,
	}, nil
}

// stageError classifies an error into a pipeline stage unless the
// caller supplied a more specific default.
func (p *Pipeline) stageError(err error, fallback string) error {
	var staged *StageError
	if errors.As(err, &staged) {
		return err
	}

	stage := fallback
	switch {
	case errors.Is(err, core.ErrLLMRateLimited):
		stage = StageLLMRateLimit
	case errors.Is(err, core.ErrLLMAuth):
		stage = StageLLMAuth
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		stage = StageTimeout
	case errors.Is(err, core.ErrConnectionFailed), errors.Is(err, core.ErrRequestFailed):
		stage = StageNetwork
	case errors.Is(err, core.ErrServiceNotFound), errors.Is(err, core.ErrToolNotFound):
		stage = StageNotFound
	}
	return &StageError{Stage: stage, Err: err}
}

func (p *Pipeline) recordAudit(kind security.AuditKind, authCtx *auth.Context, details map[string]interface{}) {
	if p.audit == nil {
		return
	}
	userID, requestID := "", ""
	if authCtx != nil {
		userID, requestID = authCtx.UserID, authCtx.RequestID
	}
	p.audit.Record(kind, userID, requestID, details)
}

func (p *Pipeline) recordRequest(authCtx *auth.Context, resp *ChatResponse, err error, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalRequests++
	p.latencySum += elapsed.Milliseconds()
	p.stats.AvgLatencyMs = float64(p.latencySum) / float64(p.stats.TotalRequests)
	if err != nil {
		p.stats.Failures++
	}

	record := RequestRecord{
		Timestamp:  time.Now(),
		Success:    err == nil,
		DurationMs: elapsed.Milliseconds(),
	}
	if authCtx != nil {
		record.UserID = authCtx.UserID
	}
	if resp != nil {
		record.Service = resp.ServiceUsed
	}
	if len(p.history) >= historyCapacity {
		p.history = p.history[1:]
	}
	p.history = append(p.history, record)
}

func (p *Pipeline) bumpRouted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Routed++
}

func (p *Pipeline) bumpNoCandidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.NoCandidate++
}

// Stats returns a snapshot of the processing counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// History returns the most recent request records, newest last.
func (p *Pipeline) History(limit int) []RequestRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	out := make([]RequestRecord, limit)
	copy(out, p.history[len(p.history)-limit:])
	return out
}
