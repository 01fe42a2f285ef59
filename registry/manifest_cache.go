package registry

import (
	"context"
	"sync"
	"time"

	"github.com/yukie-ai/yukie/core"
)

// RefreshFunc re-fetches a service's manifest. Registered per service and
// invoked by the background refresher when an entry nears expiry.
type RefreshFunc func(ctx context.Context, serviceID string) (*ToolManifest, error)

// CacheStats reports manifest cache performance.
type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Refreshes int64 `json:"refreshes"`
}

type manifestEntry struct {
	manifest  *ToolManifest
	version   string
	etag      string
	fetchedAt time.Time
	expiresAt time.Time
}

// SetOptions tunes a single cache write.
type SetOptions struct {
	TTL  time.Duration // zero means the cache default
	ETag string
}

// ManifestCache stores per-service tool manifests with TTL expiry. Expired
// entries are never returned; a background refresher renews entries whose
// remaining TTL has dropped below 20% when a refresh callback is
// registered for the service.
type ManifestCache struct {
	mu         sync.RWMutex
	entries    map[string]*manifestEntry
	callbacks  map[string]RefreshFunc
	defaultTTL time.Duration
	stats      CacheStats

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}

	logger core.Logger
}

// NewManifestCache creates a cache with the given default TTL.
func NewManifestCache(defaultTTL time.Duration) *ManifestCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &ManifestCache{
		entries:    make(map[string]*manifestEntry),
		callbacks:  make(map[string]RefreshFunc),
		defaultTTL: defaultTTL,
		logger:     &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider.
func (c *ManifestCache) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

// Get returns the manifest for a service, or false when absent or expired.
// Expired entries are treated as absent and never served.
func (c *ManifestCache) Get(serviceID string) (*ToolManifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[serviceID]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if !time.Now().Before(entry.expiresAt) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return entry.manifest, true
}

// Set stores a manifest, stamping its expiry from opts.TTL or the default.
func (c *ManifestCache) Set(serviceID string, manifest *ToolManifest, opts *SetOptions) {
	now := time.Now()
	ttl := c.defaultTTL
	etag := ""
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		etag = opts.ETag
	}

	manifest.FetchedAt = now
	manifest.ExpiresAt = now.Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[serviceID] = &manifestEntry{
		manifest:  manifest,
		version:   manifest.Version,
		etag:      etag,
		fetchedAt: now,
		expiresAt: manifest.ExpiresAt,
	}
	c.stats.Size = len(c.entries)
}

// SetFromActions builds a manifest from an actions endpoint response and
// stores it.
func (c *ManifestCache) SetFromActions(serviceID, serviceName string, actions *ActionsResponse, opts *SetOptions) *ToolManifest {
	manifest := &ToolManifest{
		ServiceID:       serviceID,
		ServiceName:     serviceName,
		Version:         actions.Version,
		ProtocolVersion: actions.ProtocolVersion,
		Tools:           actions.Actions,
	}
	c.Set(serviceID, manifest, opts)
	return manifest
}

// Invalidate drops a single service's entry.
func (c *ManifestCache) Invalidate(serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[serviceID]; ok {
		delete(c.entries, serviceID)
		c.stats.Evictions++
		c.stats.Size = len(c.entries)
	}
}

// InvalidateAll drops every entry.
func (c *ManifestCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Evictions += int64(len(c.entries))
	c.entries = make(map[string]*manifestEntry)
	c.stats.Size = 0
}

// HasVersionChanged reports whether the cached version differs from v.
// Absent entries report false.
func (c *ManifestCache) HasVersionChanged(serviceID, v string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[serviceID]
	if !ok {
		return false
	}
	return entry.version != v
}

// Cleanup drops expired entries and returns how many were removed.
func (c *ManifestCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	c.stats.Size = len(c.entries)
	return removed
}

// Stats returns a snapshot of cache statistics.
func (c *ManifestCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.entries)
	return stats
}

// RegisterRefreshCallback registers a refresh function for a service.
func (c *ManifestCache) RegisterRefreshCallback(serviceID string, fn RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[serviceID] = fn
}

// StartBackgroundRefresh starts the periodic refresh scan. Entries whose
// remaining TTL is below 20% and whose service has a registered callback
// are re-fetched; a failed refresh logs a warning and leaves the old entry
// in place until it truly expires.
func (c *ManifestCache) StartBackgroundRefresh(interval time.Duration) {
	c.mu.Lock()
	if c.refreshCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.refreshCancel = cancel
	c.refreshDone = make(chan struct{})
	c.mu.Unlock()

	go c.refreshLoop(ctx, interval)
}

// Stop halts the background refresher and waits for it to drain.
func (c *ManifestCache) Stop() {
	c.mu.Lock()
	cancel := c.refreshCancel
	done := c.refreshDone
	c.refreshCancel = nil
	c.refreshDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *ManifestCache) refreshLoop(ctx context.Context, interval time.Duration) {
	defer close(c.refreshDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.refreshNearExpiry(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *ManifestCache) refreshNearExpiry(ctx context.Context) {
	type refreshTarget struct {
		serviceID string
		fn        RefreshFunc
	}

	now := time.Now()
	var targets []refreshTarget

	c.mu.RLock()
	for id, entry := range c.entries {
		fn, ok := c.callbacks[id]
		if !ok {
			continue
		}
		total := entry.expiresAt.Sub(entry.fetchedAt)
		remaining := entry.expiresAt.Sub(now)
		if total <= 0 || remaining > total/5 {
			continue
		}
		targets = append(targets, refreshTarget{serviceID: id, fn: fn})
	}
	c.mu.RUnlock()

	for _, target := range targets {
		manifest, err := target.fn(ctx, target.serviceID)
		if err != nil {
			c.logger.Warn("Manifest refresh failed, keeping stale entry until expiry", map[string]interface{}{
				"operation":  "manifest_refresh",
				"service_id": target.serviceID,
				"error":      err.Error(),
			})
			continue
		}
		c.Set(target.serviceID, manifest, nil)
		c.mu.Lock()
		c.stats.Refreshes++
		c.mu.Unlock()

		c.logger.Debug("Manifest refreshed before expiry", map[string]interface{}{
			"operation":  "manifest_refresh",
			"service_id": target.serviceID,
			"tool_count": len(manifest.Tools),
		})
	}
}
