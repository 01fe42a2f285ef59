package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yukie-ai/yukie/core"
)

// ConfirmationStatus is the lifecycle state of a confirmation request.
// Pending transitions to confirmed or denied by user action, or to
// expired by the clock. Terminal states are immutable.
type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusDenied    ConfirmationStatus = "denied"
	StatusExpired   ConfirmationStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ConfirmationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusDenied || s == StatusExpired
}

// ConfirmationResponse records the user's answer.
type ConfirmationResponse struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// ConfirmationRequest is one pending approval for a risky call.
type ConfirmationRequest struct {
	ID         string                `json:"id"`
	PlanID     string                `json:"planId"`
	CallID     string                `json:"callId"`
	UserID     string                `json:"userId,omitempty"`
	Assessment *Assessment           `json:"assessment"`
	Status     ConfirmationStatus    `json:"status"`
	CreatedAt  time.Time             `json:"createdAt"`
	ExpiresAt  time.Time             `json:"expiresAt"`
	Response   *ConfirmationResponse `json:"response,omitempty"`
}

// ConfirmationStore persists confirmation requests. Implementations
// must be safe for concurrent use.
type ConfirmationStore interface {
	Save(ctx context.Context, req *ConfirmationRequest) error
	Get(ctx context.Context, id string) (*ConfirmationRequest, error)
	Update(ctx context.Context, req *ConfirmationRequest) error
	List(ctx context.Context, filter ConfirmationFilter) ([]*ConfirmationRequest, error)
}

// ConfirmationFilter narrows a history query.
type ConfirmationFilter struct {
	PlanID string
	UserID string
	Status ConfirmationStatus
	Limit  int
}

const defaultConfirmationTTL = 5 * time.Minute

// ConfirmationGate withholds risky calls until a user approves them.
// Requests expire after a TTL; the expiry scan and Await both apply the
// deadline so a poller and a waiter see the same terminal state.
type ConfirmationGate struct {
	store     ConfirmationStore
	ttl       time.Duration
	pollEvery time.Duration

	logger core.Logger
	audit  *AuditLog
}

// NewConfirmationGate creates a gate over the given store. A nil store
// falls back to in-memory persistence.
func NewConfirmationGate(store ConfirmationStore) *ConfirmationGate {
	if store == nil {
		store = NewMemoryConfirmationStore()
	}
	return &ConfirmationGate{
		store:     store,
		ttl:       defaultConfirmationTTL,
		pollEvery: 200 * time.Millisecond,
		logger:    &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider.
func (g *ConfirmationGate) SetLogger(logger core.Logger) {
	if logger == nil {
		g.logger = &core.NoOpLogger{}
	} else {
		g.logger = logger
	}
}

// SetAudit wires the audit log for confirmation lifecycle events.
func (g *ConfirmationGate) SetAudit(audit *AuditLog) {
	g.audit = audit
}

// SetTTL overrides the pending-request lifetime.
func (g *ConfirmationGate) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		g.ttl = ttl
	}
}

// CreateRequest opens a pending confirmation for a call.
func (g *ConfirmationGate) CreateRequest(ctx context.Context, planID, callID, userID string, assessment *Assessment) (*ConfirmationRequest, error) {
	now := time.Now()
	req := &ConfirmationRequest{
		ID:         uuid.New().String(),
		PlanID:     planID,
		CallID:     callID,
		UserID:     userID,
		Assessment: assessment,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
	}
	if err := g.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("saving confirmation request: %w", err)
	}

	g.logger.Info("Confirmation requested", map[string]interface{}{
		"operation":       "confirmation_create",
		"confirmation_id": req.ID,
		"plan_id":         planID,
		"call_id":         callID,
		"risk_level":      string(assessment.Level),
	})
	g.record(KindConfirmationCreated, userID, map[string]interface{}{
		"confirmationId": req.ID,
		"planId":         planID,
		"callId":         callID,
		"riskLevel":      string(assessment.Level),
	})
	return req, nil
}

// Respond resolves a pending request. Responding to a terminal or
// expired request fails.
func (g *ConfirmationGate) Respond(ctx context.Context, id string, confirmed bool, reason string) (*ConfirmationRequest, error) {
	req, err := g.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusExpired {
		return nil, fmt.Errorf("confirmation %s: %w", id, core.ErrConfirmationExpired)
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("confirmation %s already %s", id, req.Status)
	}

	if confirmed {
		req.Status = StatusConfirmed
	} else {
		req.Status = StatusDenied
	}
	req.Response = &ConfirmationResponse{Confirmed: confirmed, Reason: reason}
	if err := g.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("updating confirmation request: %w", err)
	}

	kind := KindConfirmationConfirmed
	if !confirmed {
		kind = KindConfirmationDenied
	}
	g.record(kind, req.UserID, map[string]interface{}{
		"confirmationId": req.ID,
		"planId":         req.PlanID,
		"callId":         req.CallID,
		"reason":         reason,
	})
	return req, nil
}

// Status loads a request, applying expiry lazily so callers never see a
// pending request past its deadline.
func (g *ConfirmationGate) Status(ctx context.Context, id string) (*ConfirmationRequest, error) {
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending && time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
		if err := g.store.Update(ctx, req); err != nil {
			g.logger.Warn("Failed to persist confirmation expiry", map[string]interface{}{
				"operation":       "confirmation_expire",
				"confirmation_id": id,
				"error":           err.Error(),
			})
		}
		g.record(KindConfirmationExpired, req.UserID, map[string]interface{}{
			"confirmationId": req.ID,
			"planId":         req.PlanID,
			"callId":         req.CallID,
		})
	}
	return req, nil
}

// Await blocks until the request reaches a terminal state, the request
// expires, or ctx is done. A context cancellation reports the request
// as expired so the caller fails the gated call deterministically.
func (g *ConfirmationGate) Await(ctx context.Context, id string) (*ConfirmationRequest, error) {
	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	for {
		req, err := g.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return g.expireNow(id)
		case <-ticker.C:
		}
	}
}

// expireNow force-expires a request whose waiter gave up. Runs under a
// fresh short context because the caller's is already done.
func (g *ConfirmationGate) expireNow(id string) (*ConfirmationRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending {
		req.Status = StatusExpired
		if err := g.store.Update(ctx, req); err != nil {
			return nil, err
		}
		g.record(KindConfirmationExpired, req.UserID, map[string]interface{}{
			"confirmationId": req.ID,
			"planId":         req.PlanID,
			"callId":         req.CallID,
		})
	}
	return req, nil
}

// ExpireScan marks every pending request past its deadline as expired
// and returns the count. Intended to run on a schedule.
func (g *ConfirmationGate) ExpireScan(ctx context.Context) int {
	pending, err := g.store.List(ctx, ConfirmationFilter{Status: StatusPending})
	if err != nil {
		g.logger.Warn("Confirmation expiry scan failed", map[string]interface{}{
			"operation": "confirmation_expire_scan",
			"error":     err.Error(),
		})
		return 0
	}

	now := time.Now()
	expired := 0
	for _, req := range pending {
		if now.Before(req.ExpiresAt) {
			continue
		}
		req.Status = StatusExpired
		if err := g.store.Update(ctx, req); err != nil {
			continue
		}
		g.record(KindConfirmationExpired, req.UserID, map[string]interface{}{
			"confirmationId": req.ID,
			"planId":         req.PlanID,
			"callId":         req.CallID,
		})
		expired++
	}
	return expired
}

// History returns past requests matching the filter.
func (g *ConfirmationGate) History(ctx context.Context, filter ConfirmationFilter) ([]*ConfirmationRequest, error) {
	return g.store.List(ctx, filter)
}

func (g *ConfirmationGate) record(kind AuditKind, userID string, details map[string]interface{}) {
	if g.audit != nil {
		g.audit.Record(kind, userID, "", details)
	}
}
