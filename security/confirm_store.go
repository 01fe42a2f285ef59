package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yukie-ai/yukie/core"
)

// MemoryConfirmationStore keeps confirmation requests in process
// memory. Suitable for single-instance deployments and tests.
type MemoryConfirmationStore struct {
	mu       sync.RWMutex
	requests map[string]*ConfirmationRequest
}

// NewMemoryConfirmationStore creates an empty in-memory store.
func NewMemoryConfirmationStore() *MemoryConfirmationStore {
	return &MemoryConfirmationStore{requests: make(map[string]*ConfirmationRequest)}
}

func (s *MemoryConfirmationStore) Save(_ context.Context, req *ConfirmationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("confirmation %s already exists", req.ID)
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *MemoryConfirmationStore) Get(_ context.Context, id string) (*ConfirmationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("confirmation %s: %w", id, core.ErrConfirmationNotFound)
	}
	return cloneRequest(req), nil
}

func (s *MemoryConfirmationStore) Update(_ context.Context, req *ConfirmationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return fmt.Errorf("confirmation %s: %w", req.ID, core.ErrConfirmationNotFound)
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *MemoryConfirmationStore) List(_ context.Context, filter ConfirmationFilter) ([]*ConfirmationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ConfirmationRequest
	for _, req := range s.requests {
		if matchesFilter(req, filter) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(req *ConfirmationRequest, filter ConfirmationFilter) bool {
	if filter.PlanID != "" && req.PlanID != filter.PlanID {
		return false
	}
	if filter.UserID != "" && req.UserID != filter.UserID {
		return false
	}
	if filter.Status != "" && req.Status != filter.Status {
		return false
	}
	return true
}

func cloneRequest(req *ConfirmationRequest) *ConfirmationRequest {
	clone := *req
	if req.Assessment != nil {
		a := *req.Assessment
		a.Reasons = append([]string(nil), req.Assessment.Reasons...)
		clone.Assessment = &a
	}
	if req.Response != nil {
		r := *req.Response
		clone.Response = &r
	}
	return &clone
}

// RedisConfirmationStore persists confirmation requests as JSON values
// in Redis so multiple router instances share the gate. Keys expire a
// day after the request's own deadline to bound growth.
type RedisConfirmationStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration

	logger core.Logger
}

// RedisConfirmationStoreOption configures the store.
type RedisConfirmationStoreOption func(*RedisConfirmationStore)

// WithConfirmationKeyPrefix sets the Redis key prefix.
func WithConfirmationKeyPrefix(prefix string) RedisConfirmationStoreOption {
	return func(s *RedisConfirmationStore) { s.keyPrefix = prefix }
}

// WithConfirmationRetention sets how long resolved requests stay
// queryable.
func WithConfirmationRetention(d time.Duration) RedisConfirmationStoreOption {
	return func(s *RedisConfirmationStore) { s.retention = d }
}

// WithConfirmationLogger sets the logger provider.
func WithConfirmationLogger(logger core.Logger) RedisConfirmationStoreOption {
	return func(s *RedisConfirmationStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisConfirmationStore connects to Redis and verifies the
// connection before returning.
func NewRedisConfirmationStore(redisURL string, opts ...RedisConfirmationStoreOption) (*RedisConfirmationStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL %s: %w", redisURL, err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", redisURL, err)
	}

	store := &RedisConfirmationStore{
		client:    client,
		keyPrefix: "yukie:confirm",
		retention: 24 * time.Hour,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Close releases the Redis connection.
func (s *RedisConfirmationStore) Close() error {
	return s.client.Close()
}

func (s *RedisConfirmationStore) key(id string) string {
	return s.keyPrefix + ":" + id
}

func (s *RedisConfirmationStore) Save(ctx context.Context, req *ConfirmationRequest) error {
	return s.write(ctx, req, false)
}

func (s *RedisConfirmationStore) Update(ctx context.Context, req *ConfirmationRequest) error {
	return s.write(ctx, req, true)
}

func (s *RedisConfirmationStore) write(ctx context.Context, req *ConfirmationRequest, mustExist bool) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling confirmation %s: %w", req.ID, err)
	}

	if mustExist {
		exists, err := s.client.Exists(ctx, s.key(req.ID)).Result()
		if err != nil {
			return fmt.Errorf("checking confirmation %s: %w", req.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("confirmation %s: %w", req.ID, core.ErrConfirmationNotFound)
		}
	}

	ttl := time.Until(req.ExpiresAt) + s.retention
	if err := s.client.Set(ctx, s.key(req.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing confirmation %s: %w", req.ID, err)
	}
	return nil
}

func (s *RedisConfirmationStore) Get(ctx context.Context, id string) (*ConfirmationRequest, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("confirmation %s: %w", id, core.ErrConfirmationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading confirmation %s: %w", id, err)
	}

	var req ConfirmationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding confirmation %s: %w", id, err)
	}
	return &req, nil
}

func (s *RedisConfirmationStore) List(ctx context.Context, filter ConfirmationFilter) ([]*ConfirmationRequest, error) {
	var out []*ConfirmationRequest

	iter := s.client.Scan(ctx, 0, s.keyPrefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var req ConfirmationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("Skipping undecodable confirmation entry", map[string]interface{}{
				"operation": "confirmation_list",
				"key":       iter.Val(),
			})
			continue
		}
		if matchesFilter(&req, filter) {
			out = append(out, &req)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning confirmations: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
