// Package registry maintains the authoritative list of downstream tool
// services, their cached tool manifests, and the inverted indexes used by
// the retrieval router.
package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yukie-ai/yukie/core"
)

// RiskLevel classifies how dangerous a service or tool is to invoke.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Escalate returns the higher of two risk levels.
func (r RiskLevel) Escalate(other RiskLevel) RiskLevel {
	if r.rank() >= other.rank() {
		return r
	}
	return other
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AuthConfig describes how the router authenticates to a service.
type AuthConfig struct {
	Method         string   `yaml:"method" json:"method"` // bearer|api-key|oauth2|none
	RequiredScopes []string `yaml:"requiredScopes,omitempty" json:"requiredScopes,omitempty"`
}

// Endpoints holds the per-service endpoint paths.
type Endpoints struct {
	Health  string `yaml:"health" json:"health"`
	Meta    string `yaml:"meta" json:"meta"`
	Actions string `yaml:"actions" json:"actions"`
	Invoke  string `yaml:"invoke" json:"invoke"`
}

// ServiceDefinition is the immutable configuration entity for one
// downstream tool service. IDs are unique within a registry.
type ServiceDefinition struct {
	ID           string     `yaml:"id" json:"id"`
	Name         string     `yaml:"name" json:"name"`
	Description  string     `yaml:"description" json:"description"`
	BaseURL      string     `yaml:"baseUrl" json:"baseUrl"`
	Transport    string     `yaml:"transport" json:"transport"` // http|stdio|websocket
	Auth         AuthConfig `yaml:"auth" json:"auth"`
	Endpoints    Endpoints  `yaml:"endpoints" json:"endpoints"`
	Capabilities []string   `yaml:"capabilities" json:"capabilities"`
	Tags         []string   `yaml:"tags" json:"tags"`
	Keywords     []string   `yaml:"keywords" json:"keywords"`
	RiskLevel    RiskLevel  `yaml:"riskLevel" json:"riskLevel"`
	Enabled      bool       `yaml:"enabled" json:"enabled"`
	Priority     int        `yaml:"priority" json:"priority"`
}

// Parameter describes one input parameter of a tool.
type Parameter struct {
	Name        string      `json:"name" yaml:"name"`
	Type        string      `json:"type" yaml:"type"` // string|number|boolean|object|array
	Required    bool        `json:"required" yaml:"required"`
	Description string      `json:"description" yaml:"description"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64    `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64    `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Pattern     string      `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Example shows how to use a tool.
type Example struct {
	Description string                 `json:"description"`
	Input       map[string]interface{} `json:"input"`
	Output      interface{}            `json:"output,omitempty"`
}

// ToolSchema describes one named operation exposed by a service.
type ToolSchema struct {
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	Parameters     []Parameter `json:"parameters"`
	RequiredScopes []string    `json:"requiredScopes,omitempty"`
	ReturnsAsync   bool        `json:"returnsAsync,omitempty"`
	Examples       []Example   `json:"examples,omitempty"`
	RiskLevel      RiskLevel   `json:"riskLevel,omitempty"`
}

// ToolManifest is the cached result of a service's actions endpoint.
type ToolManifest struct {
	ServiceID       string       `json:"serviceId"`
	ServiceName     string       `json:"serviceName"`
	Version         string       `json:"version"`
	ProtocolVersion string       `json:"protocolVersion"`
	Tools           []ToolSchema `json:"tools"`
	FetchedAt       time.Time    `json:"fetchedAt"`
	ExpiresAt       time.Time    `json:"expiresAt"`
}

// Tool looks up a tool schema by name.
func (m *ToolManifest) Tool(name string) (*ToolSchema, bool) {
	for i := range m.Tools {
		if m.Tools[i].Name == name {
			return &m.Tools[i], true
		}
	}
	return nil, false
}

// ActionsResponse is the wire shape of GET {baseUrl}{endpoints.actions}.
type ActionsResponse struct {
	Version         string       `json:"version,omitempty"`
	ProtocolVersion string       `json:"protocolVersion,omitempty"`
	Actions         []ToolSchema `json:"actions"`
}

// MetaResponse is the wire shape of GET {baseUrl}{endpoints.meta}.
type MetaResponse struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// RegistryConfig is the top-level declarative configuration.
type RegistryConfig struct {
	Config struct {
		ManifestCacheTTL     int `yaml:"manifestCacheTTL"`     // seconds
		HealthCheckInterval  int `yaml:"healthCheckInterval"`  // seconds
		DefaultTimeout       int `yaml:"defaultTimeout"`       // milliseconds
		MaxRoutingCandidates int `yaml:"maxRoutingCandidates"` //
	} `yaml:"config"`
	Services []ServiceDefinition `yaml:"services"`
}

// LoadRegistryConfig parses the declarative YAML configuration and
// validates the invariants the rest of the system relies on.
func LoadRegistryConfig(path string) (*RegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewRouterError("registry.LoadRegistryConfig", "registry", err)
	}
	return ParseRegistryConfig(data)
}

// ParseRegistryConfig parses raw YAML configuration bytes.
func ParseRegistryConfig(data []byte) (*RegistryConfig, error) {
	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.NewRouterError("registry.ParseRegistryConfig", "registry", err)
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		def := &cfg.Services[i]
		if def.ID == "" {
			return nil, fmt.Errorf("service at index %d has no id: %w", i, core.ErrInvalidConfiguration)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate service id %q: %w", def.ID, core.ErrInvalidConfiguration)
		}
		seen[def.ID] = true
		if def.RiskLevel == "" {
			def.RiskLevel = RiskLow
		}
		if def.Transport == "" {
			def.Transport = "http"
		}
	}

	if cfg.Config.ManifestCacheTTL <= 0 {
		cfg.Config.ManifestCacheTTL = 300
	}
	if cfg.Config.HealthCheckInterval <= 0 {
		cfg.Config.HealthCheckInterval = 60
	}
	if cfg.Config.DefaultTimeout <= 0 {
		cfg.Config.DefaultTimeout = 30000
	}
	if cfg.Config.MaxRoutingCandidates <= 0 {
		cfg.Config.MaxRoutingCandidates = 15
	}

	return &cfg, nil
}
