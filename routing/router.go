package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
)

// Weights tunes candidate scoring. The semantic weight is reserved for a
// future embedding retriever; the baseline is purely lexical.
type Weights struct {
	Keyword    float64
	Tag        float64
	Capability float64
	Semantic   float64
	Priority   float64
}

// DefaultWeights returns the tuned production weights.
func DefaultWeights() Weights {
	return Weights{
		Keyword:    1.0,
		Tag:        1.5,
		Capability: 2.0,
		Semantic:   2.5,
		Priority:   0.5,
	}
}

const (
	defaultMaxCandidates = 15
	minCandidateScore    = 0.1
)

// Candidate is a transient ranking record for one service.
type Candidate struct {
	ServiceID   string               `json:"serviceId"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Tool        *registry.ToolSchema `json:"tool,omitempty"`
	Score       float64              `json:"score"`
	MatchType   string               `json:"matchType"`
	Priority    int                  `json:"priority"`
	RiskLevel   registry.RiskLevel   `json:"riskLevel"`
}

// RouteRequest is the input to Route.
type RouteRequest struct {
	Message       string
	Auth          *auth.Context
	Model         string
	MaxCandidates int
}

// RouteResult is the outcome of a routing decision. TargetService is
// "none" when no service should handle the message.
type RouteResult struct {
	TargetService string        `json:"targetService"`
	Confidence    float64       `json:"confidence"`
	Reasoning     string        `json:"reasoning"`
	Candidates    []Candidate   `json:"candidates"`
	RetrievalTime time.Duration `json:"retrievalTime"`
	RoutingTime   time.Duration `json:"routingTime"`
}

// Router pre-filters services by scored lexical matching, then asks an
// LLM to choose from the small candidate set. Both phases are single-shot
// per route; retries belong to the caller.
type Router struct {
	registry *registry.ServiceRegistry
	aiClient core.AIClient
	weights  Weights

	logger    core.Logger
	telemetry core.Telemetry
}

// NewRouter creates a router over the given registry and LLM client.
func NewRouter(reg *registry.ServiceRegistry, aiClient core.AIClient) *Router {
	return &Router{
		registry:  reg,
		aiClient:  aiClient,
		weights:   DefaultWeights(),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider.
func (r *Router) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// SetTelemetry sets the telemetry provider.
func (r *Router) SetTelemetry(t core.Telemetry) {
	if t == nil {
		r.telemetry = &core.NoOpTelemetry{}
	} else {
		r.telemetry = t
	}
}

// SetWeights overrides the scoring weights.
func (r *Router) SetWeights(w Weights) {
	r.weights = w
}

// Route scores candidates and asks the LLM for a final selection.
func (r *Router) Route(ctx context.Context, req *RouteRequest) (*RouteResult, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "router.route")
	defer span.End()

	retrievalStart := time.Now()
	extraction := Extract(req.Message)
	candidates := r.RetrieveCandidates(extraction, req.MaxCandidates)
	retrievalTime := time.Since(retrievalStart)

	span.SetAttribute("candidate_count", len(candidates))

	r.logger.Debug("Candidates retrieved", map[string]interface{}{
		"operation":         "retrieve_candidates",
		"candidate_count":   len(candidates),
		"keywords":          extraction.Keywords,
		"intents":           extraction.Intents,
		"retrieval_time_ms": retrievalTime.Milliseconds(),
	})

	if len(candidates) == 0 {
		return &RouteResult{
			TargetService: "none",
			Confidence:    1.0,
			Reasoning:     "No registered service matches this message",
			RetrievalTime: retrievalTime,
		}, nil
	}

	routingStart := time.Now()
	decision := r.llmRoute(ctx, req, candidates)
	routingTime := time.Since(routingStart)

	r.telemetry.RecordMetric("router.routes.total", 1, map[string]string{
		"target": decision.TargetService,
	})

	r.logger.Info("Routing decision made", map[string]interface{}{
		"operation":       "route_complete",
		"target_service":  decision.TargetService,
		"confidence":      decision.Confidence,
		"candidate_count": len(candidates),
		"routing_time_ms": routingTime.Milliseconds(),
	})

	return &RouteResult{
		TargetService: decision.TargetService,
		Confidence:    decision.Confidence,
		Reasoning:     decision.Reasoning,
		Candidates:    candidates,
		RetrievalTime: retrievalTime,
		RoutingTime:   routingTime,
	}, nil
}

// RetrieveCandidates scores every enabled service against the extraction
// and returns those above the minimum score, best first.
func (r *Router) RetrieveCandidates(extraction *Extraction, maxCandidates int) []Candidate {
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}

	var candidates []Candidate
	for _, def := range r.registry.GetEnabled() {
		score, matchType := r.scoreService(def, extraction)
		score += float64(def.Priority) / 100 * r.weights.Priority

		if score < minCandidateScore {
			continue
		}
		candidates = append(candidates, Candidate{
			ServiceID:   def.ID,
			Name:        def.Name,
			Description: def.Description,
			Score:       score,
			MatchType:   matchType,
			Priority:    def.Priority,
			RiskLevel:   def.RiskLevel,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Priority > candidates[j].Priority
	})

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

func (r *Router) scoreService(def *registry.ServiceDefinition, ex *Extraction) (float64, string) {
	var score float64
	matchType := "none"

	lowerDesc := strings.ToLower(def.Description)
	lowerCaps := make([]string, len(def.Capabilities))
	for i, c := range def.Capabilities {
		lowerCaps[i] = strings.ToLower(c)
	}
	lowerKeywords := make([]string, len(def.Keywords))
	for i, k := range def.Keywords {
		lowerKeywords[i] = strings.ToLower(k)
	}

	for _, kw := range ex.Keywords {
		for _, sk := range lowerKeywords {
			if strings.Contains(sk, kw) {
				score += r.weights.Keyword * 2
				matchType = pickMatch(matchType, "keyword")
			} else if strings.Contains(kw, sk) {
				score += r.weights.Keyword
				matchType = pickMatch(matchType, "keyword")
			}
		}
		for _, sc := range lowerCaps {
			if strings.Contains(sc, kw) {
				score += r.weights.Capability * 2
				matchType = pickMatch(matchType, "capability")
			}
		}
		if strings.Contains(lowerDesc, kw) {
			score += r.weights.Keyword * 0.5
			matchType = pickMatch(matchType, "description")
		}
	}

	for _, phrase := range ex.Phrases {
		for _, sc := range lowerCaps {
			if strings.Contains(sc, phrase) {
				score += r.weights.Capability * 3
				matchType = pickMatch(matchType, "capability")
			}
		}
		if strings.Contains(lowerDesc, phrase) {
			score += r.weights.Keyword
			matchType = pickMatch(matchType, "description")
		}
	}

	for _, kw := range ex.Keywords {
		for _, tag := range def.Tags {
			if kw == strings.ToLower(tag) {
				score += r.weights.Tag * 2
				matchType = pickMatch(matchType, "tag")
			}
		}
	}

	if ex.HasIntent(IntentCheckIn, IntentCreate) && capsContainAny(lowerCaps, "check-in", "log", "record") {
		score += r.weights.Capability * 2
		matchType = pickMatch(matchType, "intent")
	}
	if ex.HasIntent(IntentQuery, IntentStatistics) && capsContainAny(lowerCaps, "stat", "query", "history") {
		score += r.weights.Capability * 2
		matchType = pickMatch(matchType, "intent")
	}

	return score, matchType
}

// pickMatch keeps the strongest match type seen so far.
func pickMatch(current, candidate string) string {
	rank := map[string]int{"none": 0, "description": 1, "keyword": 2, "tag": 3, "intent": 4, "capability": 5}
	if rank[candidate] > rank[current] {
		return candidate
	}
	return current
}

func capsContainAny(caps []string, needles ...string) bool {
	for _, c := range caps {
		for _, n := range needles {
			if strings.Contains(c, n) {
				return true
			}
		}
	}
	return false
}

type llmDecision struct {
	TargetService string  `json:"targetService"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// llmRoute asks the LLM to pick one service from the candidate set. Any
// failure, including unparseable output, degrades to "none".
func (r *Router) llmRoute(ctx context.Context, req *RouteRequest, candidates []Candidate) llmDecision {
	failed := llmDecision{TargetService: "none", Confidence: 0, Reasoning: "Routing failed"}

	if r.aiClient == nil {
		return failed
	}

	prompt := r.buildRoutingPrompt(req.Message, candidates)
	response, err := r.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        req.Model,
		Temperature:  0.1,
		MaxTokens:    512,
		SystemPrompt: "You are a request router. Respond with strict JSON only.",
	})
	if err != nil {
		r.logger.Error("LLM routing call failed", map[string]interface{}{
			"operation": "llm_route",
			"error":     err.Error(),
		})
		return failed
	}

	var decision llmDecision
	if err := ExtractJSON(response.Content, &decision); err != nil {
		r.logger.Error("LLM routing response unparseable", map[string]interface{}{
			"operation":       "llm_route",
			"error":           err.Error(),
			"response_length": len(response.Content),
		})
		return failed
	}

	// The model must pick from the candidate set or decline.
	if decision.TargetService != "none" && !candidateExists(candidates, decision.TargetService) {
		r.logger.Warn("LLM selected a service outside the candidate set", map[string]interface{}{
			"operation":      "llm_route",
			"target_service": decision.TargetService,
		})
		return failed
	}
	return decision
}

func candidateExists(candidates []Candidate, serviceID string) bool {
	for _, c := range candidates {
		if c.ServiceID == serviceID {
			return true
		}
	}
	return false
}

func (r *Router) buildRoutingPrompt(message string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("Select the single best service to handle the user message, or \"none\" if no service fits.\n\nCandidate services:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n  description: %s\n  match: %s (score %.2f)\n",
			c.ServiceID, c.Name, c.Description, c.MatchType, c.Score)
	}
	fmt.Fprintf(&b, `
User message: %s

Respond with JSON only, no explanation:
{"targetService": "<service id or none>", "confidence": <0..1>, "reasoning": "<one sentence>"}`, message)
	return b.String()
}
