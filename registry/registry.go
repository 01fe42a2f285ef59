package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yukie-ai/yukie/core"
)

const healthCheckTimeout = 5 * time.Second

// HealthState is the cached outcome of a service health probe.
type HealthState struct {
	OK        bool      `json:"ok"`
	LastCheck time.Time `json:"lastCheck"`
	Error     string    `json:"error,omitempty"`
}

// QueryOptions filters a registry query.
type QueryOptions struct {
	Keywords     []string
	Tags         []string
	Capabilities []string
	RiskLevel    RiskLevel
	EnabledOnly  bool
	HealthyOnly  bool
	Limit        int
}

// QueryResult is the outcome of a registry query.
type QueryResult struct {
	Services  []*ServiceDefinition `json:"services"`
	Matches   []IndexHit           `json:"matches"`
	QueryTime time.Duration        `json:"queryTime"`
}

// Stats aggregates registry counts.
type Stats struct {
	TotalServices   int        `json:"totalServices"`
	EnabledServices int        `json:"enabledServices"`
	HealthyServices int        `json:"healthyServices"`
	CachedManifests int        `json:"cachedManifests"`
	ManifestStats   CacheStats `json:"manifestStats"`
}

// ServiceRegistry is the authoritative list of downstream tool services.
// It owns the manifest cache and the capability index and keeps both
// consistent as services come and go.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*ServiceDefinition
	health   map[string]*HealthState

	cache      *ManifestCache
	index      *CapabilityIndex
	httpClient *http.Client

	urlOverrides map[string]string

	logger    core.Logger
	telemetry core.Telemetry
}

// NewServiceRegistry creates an empty registry backed by the given
// manifest cache.
func NewServiceRegistry(cache *ManifestCache) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]*ServiceDefinition),
		health:   make(map[string]*HealthState),
		cache:    cache,
		index:    NewCapabilityIndex(),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlOverrides: make(map[string]string),
		logger:       &core.NoOpLogger{},
		telemetry:    &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider.
func (r *ServiceRegistry) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
	r.cache.SetLogger(r.logger)
}

// SetTelemetry sets the telemetry provider.
func (r *ServiceRegistry) SetTelemetry(t core.Telemetry) {
	if t == nil {
		r.telemetry = &core.NoOpTelemetry{}
	} else {
		r.telemetry = t
	}
}

// SetURLOverrides installs per-service base URL overrides (typically from
// the environment, for local development against a deployed registry).
func (r *ServiceRegistry) SetURLOverrides(overrides map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urlOverrides = overrides
}

// Index exposes the capability index for the retrieval router.
func (r *ServiceRegistry) Index() *CapabilityIndex {
	return r.index
}

// Cache exposes the manifest cache.
func (r *ServiceRegistry) Cache() *ManifestCache {
	return r.cache
}

// LoadFromConfig registers every service in the declarative configuration
// and wires a refresh callback for each into the manifest cache.
func (r *ServiceRegistry) LoadFromConfig(cfg *RegistryConfig) error {
	for i := range cfg.Services {
		def := cfg.Services[i]
		if err := r.Register(&def); err != nil {
			return err
		}
	}

	r.logger.Info("Registry loaded from configuration", map[string]interface{}{
		"operation":     "registry_load",
		"service_count": len(cfg.Services),
	})
	return nil
}

// Register adds a service and indexes it. Duplicate ids are rejected.
func (r *ServiceRegistry) Register(def *ServiceDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("service id required: %w", core.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	if _, exists := r.services[def.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("service %s: %w", def.ID, core.ErrInvalidConfiguration)
	}
	r.services[def.ID] = def
	r.mu.Unlock()

	r.index.AddService(def)
	r.cache.RegisterRefreshCallback(def.ID, func(ctx context.Context, serviceID string) (*ToolManifest, error) {
		return r.FetchActions(ctx, serviceID)
	})

	r.logger.Debug("Service registered", map[string]interface{}{
		"operation":  "service_register",
		"service_id": def.ID,
		"enabled":    def.Enabled,
		"priority":   def.Priority,
	})
	return nil
}

// Unregister removes a service, its index entries and its cached manifest.
func (r *ServiceRegistry) Unregister(id string) error {
	r.mu.Lock()
	_, exists := r.services[id]
	delete(r.services, id)
	delete(r.health, id)
	r.mu.Unlock()

	if !exists {
		return core.ErrServiceNotFound
	}

	r.index.RemoveService(id)
	r.cache.Invalidate(id)

	r.logger.Debug("Service unregistered", map[string]interface{}{
		"operation":  "service_unregister",
		"service_id": id,
	})
	return nil
}

// Get returns a service definition by id.
func (r *ServiceRegistry) Get(id string) (*ServiceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.services[id]
	if !ok {
		return nil, core.ErrServiceNotFound
	}
	return def, nil
}

// GetAll returns every registered service.
func (r *ServiceRegistry) GetAll() []*ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceDefinition, 0, len(r.services))
	for _, def := range r.services {
		out = append(out, def)
	}
	sortByPriority(out)
	return out
}

// GetEnabled returns every enabled service.
func (r *ServiceRegistry) GetEnabled() []*ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceDefinition, 0, len(r.services))
	for _, def := range r.services {
		if def.Enabled {
			out = append(out, def)
		}
	}
	sortByPriority(out)
	return out
}

func sortByPriority(defs []*ServiceDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})
}

// BaseURL resolves a service's base URL honoring overrides.
func (r *ServiceRegistry) BaseURL(def *ServiceDefinition) string {
	r.mu.RLock()
	override := r.urlOverrides[def.ID]
	r.mu.RUnlock()
	if override != "" {
		return override
	}
	return def.BaseURL
}

// FetchMeta fetches a service's metadata endpoint.
func (r *ServiceRegistry) FetchMeta(ctx context.Context, id string) (*MetaResponse, error) {
	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	var meta MetaResponse
	if err := r.getJSON(ctx, r.BaseURL(def)+def.Endpoints.Meta, &meta); err != nil {
		return nil, core.NewRouterError("registry.FetchMeta", "registry", err)
	}

	// A new upstream version invalidates the cached manifest pro-actively.
	if meta.Version != "" && r.cache.HasVersionChanged(id, meta.Version) {
		r.cache.Invalidate(id)
		r.logger.Info("Manifest invalidated on version change", map[string]interface{}{
			"operation":   "manifest_version_change",
			"service_id":  id,
			"new_version": meta.Version,
		})
	}
	return &meta, nil
}

// FetchActions fetches a service's actions endpoint and populates the
// manifest cache and the tool-name index.
func (r *ServiceRegistry) FetchActions(ctx context.Context, id string) (*ToolManifest, error) {
	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	fetchStart := time.Now()
	var actions ActionsResponse
	if err := r.getJSON(ctx, r.BaseURL(def)+def.Endpoints.Actions, &actions); err != nil {
		return nil, core.NewRouterError("registry.FetchActions", "registry", err)
	}

	manifest := r.cache.SetFromActions(id, def.Name, &actions, nil)
	r.index.AddTools(id, manifest.Tools)

	r.logger.Debug("Actions fetched", map[string]interface{}{
		"operation":     "fetch_actions",
		"service_id":    id,
		"tool_count":    len(manifest.Tools),
		"fetch_time_ms": time.Since(fetchStart).Milliseconds(),
	})
	return manifest, nil
}

// Manifest returns the cached manifest for a service, fetching it when
// absent or expired.
func (r *ServiceRegistry) Manifest(ctx context.Context, id string) (*ToolManifest, error) {
	if manifest, ok := r.cache.Get(id); ok {
		return manifest, nil
	}
	return r.FetchActions(ctx, id)
}

// CheckHealth probes one service's health endpoint with a 5-second
// timeout and caches the outcome.
func (r *ServiceRegistry) CheckHealth(ctx context.Context, id string) (*HealthState, error) {
	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	state := &HealthState{LastCheck: time.Now()}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := r.getJSON(ctx, r.BaseURL(def)+def.Endpoints.Health, &body); err != nil {
		state.Error = err.Error()
	} else {
		state.OK = body.OK
	}

	r.mu.Lock()
	r.health[id] = state
	r.mu.Unlock()

	return state, nil
}

// CheckAllHealth probes every registered service in parallel.
func (r *ServiceRegistry) CheckAllHealth(ctx context.Context) map[string]*HealthState {
	defs := r.GetAll()

	var wg sync.WaitGroup
	for _, def := range defs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := r.CheckHealth(ctx, id); err != nil {
				r.logger.Warn("Health check failed", map[string]interface{}{
					"operation":  "health_check",
					"service_id": id,
					"error":      err.Error(),
				})
			}
		}(def.ID)
	}
	wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*HealthState, len(r.health))
	for id, state := range r.health {
		out[id] = state
	}
	return out
}

// Health returns the cached health state for a service, if any.
func (r *ServiceRegistry) Health(id string) (*HealthState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.health[id]
	return state, ok
}

// Query filters services by keyword/tag/capability matches and attribute
// filters. The returned ordering is deterministic for identical state.
func (r *ServiceRegistry) Query(opts QueryOptions) *QueryResult {
	start := time.Now()

	terms := make([]string, 0, len(opts.Keywords)+len(opts.Tags)+len(opts.Capabilities))
	terms = append(terms, opts.Keywords...)
	terms = append(terms, opts.Tags...)
	terms = append(terms, opts.Capabilities...)

	var hits []IndexHit
	if len(terms) > 0 {
		hits = r.index.Search(strings.Join(terms, " "), 0)
	} else {
		for _, def := range r.GetAll() {
			hits = append(hits, IndexHit{ServiceID: def.ID, Name: def.Name, Priority: def.Priority})
		}
	}

	result := &QueryResult{}
	for _, hit := range hits {
		def, err := r.Get(hit.ServiceID)
		if err != nil {
			continue
		}
		if opts.EnabledOnly && !def.Enabled {
			continue
		}
		if opts.RiskLevel != "" && def.RiskLevel != opts.RiskLevel {
			continue
		}
		if opts.HealthyOnly {
			state, ok := r.Health(def.ID)
			if !ok || !state.OK {
				continue
			}
		}
		result.Services = append(result.Services, def)
		result.Matches = append(result.Matches, hit)
		if opts.Limit > 0 && len(result.Services) >= opts.Limit {
			break
		}
	}

	result.QueryTime = time.Since(start)
	return result
}

// FindByUserMessage tokenises a message and returns enabled services
// ordered by combined index score and priority.
func (r *ServiceRegistry) FindByUserMessage(message string) []*ServiceDefinition {
	hits := r.index.Search(message, 0)

	out := make([]*ServiceDefinition, 0, len(hits))
	for _, hit := range hits {
		def, err := r.Get(hit.ServiceID)
		if err != nil || !def.Enabled {
			continue
		}
		out = append(out, def)
	}
	return out
}

// GetStats aggregates registry counts.
func (r *ServiceRegistry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalServices: len(r.services),
		ManifestStats: r.cache.Stats(),
	}
	stats.CachedManifests = stats.ManifestStats.Size
	for _, def := range r.services {
		if def.Enabled {
			stats.EnabledServices++
		}
	}
	for _, state := range r.health {
		if state.OK {
			stats.HealthyServices++
		}
	}
	return stats
}

func (r *ServiceRegistry) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", core.ErrRequestFailed, resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
