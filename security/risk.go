// Package security implements the pre-dispatch safety layer: risk
// classification of planned calls, a confirmation gate for risky ones,
// input sanitisation, and the audit log.
package security

import (
	"strings"

	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/registry"
)

// Assessment is the classifier's verdict for one planned call.
type Assessment struct {
	Level                registry.RiskLevel `json:"level"`
	RequiresConfirmation bool               `json:"requiresConfirmation"`
	Reasons              []string           `json:"reasons"`
	Mitigation           string             `json:"mitigation,omitempty"`
}

// CallProfile is the classifier's view of a planned call. ServiceTags
// and ServiceRisk come from the service definition; BaseRisk from the
// tool schema or the call itself.
type CallProfile struct {
	ServiceID   string
	ToolName    string
	Params      map[string]interface{}
	BaseRisk    registry.RiskLevel
	ServiceRisk registry.RiskLevel
	ServiceTags []string
}

// RiskClassifier escalates a call's base risk level from its tool name,
// parameter shape, and service category.
type RiskClassifier struct {
	logger core.Logger
}

// NewRiskClassifier creates a classifier with default rules.
func NewRiskClassifier() *RiskClassifier {
	return &RiskClassifier{logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger provider.
func (c *RiskClassifier) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

var destructiveSuffixes = []string{".delete", ".remove", ".drop", ".purge"}

var financialTags = map[string]bool{
	"payment":   true,
	"payments":  true,
	"financial": true,
	"finance":   true,
	"billing":   true,
}

// Assess computes the risk level for a planned call. Escalation only
// raises the level, never lowers it. Confirmation is required for
// medium and high.
func (c *RiskClassifier) Assess(profile *CallProfile) *Assessment {
	level := profile.BaseRisk
	if level == "" {
		level = profile.ServiceRisk
	}
	if level == "" {
		level = registry.RiskLow
	}
	var reasons []string

	lowerName := strings.ToLower(profile.ToolName)
	for _, suffix := range destructiveSuffixes {
		if strings.HasSuffix(lowerName, suffix) || strings.Contains(lowerName, suffix+".") {
			level = level.Escalate(registry.RiskHigh)
			reasons = append(reasons, "tool performs a destructive operation ("+suffix[1:]+")")
			break
		}
	}

	if hasBulkParams(profile.Params) {
		level = level.Escalate(registry.RiskMedium)
		reasons = append(reasons, "parameters indicate a bulk operation")
	}

	for _, tag := range profile.ServiceTags {
		if financialTags[strings.ToLower(tag)] {
			level = level.Escalate(registry.RiskHigh)
			reasons = append(reasons, "service handles payment or financial data")
			break
		}
	}

	if hasElevatedFlag(profile.Params) {
		level = level.Escalate(registry.RiskHigh)
		reasons = append(reasons, "parameters request elevated (admin/root) privileges")
	}

	assessment := &Assessment{
		Level:                level,
		RequiresConfirmation: level == registry.RiskMedium || level == registry.RiskHigh,
		Reasons:              reasons,
	}
	if assessment.RequiresConfirmation {
		assessment.Mitigation = "require explicit user confirmation before dispatch"
	}

	if assessment.RequiresConfirmation {
		c.logger.Debug("Call classified as risky", map[string]interface{}{
			"operation":  "assess_risk",
			"service_id": profile.ServiceID,
			"tool":       profile.ToolName,
			"level":      string(level),
			"reasons":    len(reasons),
		})
	}
	return assessment
}

// hasBulkParams reports an array parameter longer than 10 entries or an
// explicit bulk flag.
func hasBulkParams(params map[string]interface{}) bool {
	for name, value := range params {
		if arr, ok := value.([]interface{}); ok && len(arr) > 10 {
			return true
		}
		if strings.EqualFold(name, "bulk") {
			if b, ok := value.(bool); ok && b {
				return true
			}
		}
	}
	return false
}

func hasElevatedFlag(params map[string]interface{}) bool {
	for name, value := range params {
		lower := strings.ToLower(name)
		if lower != "admin" && lower != "root" {
			continue
		}
		switch v := value.(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if strings.EqualFold(v, "true") {
				return true
			}
		}
	}
	return false
}
