package security

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/yukie-ai/yukie/core"
)

// AuditKind classifies audit entries.
type AuditKind string

const (
	KindToolInvoke            AuditKind = "tool-invoke"
	KindToolComplete          AuditKind = "tool-complete"
	KindSecurityWarning       AuditKind = "security-warning"
	KindRoutingDecision       AuditKind = "routing-decision"
	KindPlanCreated           AuditKind = "plan-created"
	KindConfirmationCreated   AuditKind = "confirmation-created"
	KindConfirmationConfirmed AuditKind = "confirmation-confirmed"
	KindConfirmationDenied    AuditKind = "confirmation-denied"
	KindConfirmationExpired   AuditKind = "confirmation-expired"
)

// AuditEntry is one immutable audit record. Details are redacted at
// record time; sensitive values never reach storage.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"userId,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	Kind      AuditKind              `json:"kind"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	UserID string
	Kind   AuditKind
	Since  time.Time
	Until  time.Time
	Limit  int
}

// AuditStats summarises the log.
type AuditStats struct {
	Total          int               `json:"total"`
	ByKind         map[AuditKind]int `json:"byKind"`
	SecurityEvents int               `json:"securityEvents"`
	SuccessRate    float64           `json:"successRate"`
}

// AuditSink receives a copy of every entry, typically for durable
// storage. Sink failures never fail the recording path.
type AuditSink interface {
	Append(ctx context.Context, entry *AuditEntry) error
}

const defaultAuditCapacity = 1000

// redactedKeys are matched case-insensitively against detail keys at
// any nesting depth.
var redactedKeys = map[string]bool{
	"password":      true,
	"apikey":        true,
	"api_key":       true,
	"token":         true,
	"secret":        true,
	"authorization": true,
	"cookie":        true,
}

const redactedValue = "[REDACTED]"

// AuditLog is an append-only bounded ring of audit entries. When full,
// the oldest entry is discarded.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []*AuditEntry
	start    int
	count    int
	capacity int

	sink   AuditSink
	logger core.Logger
}

// NewAuditLog creates a log holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditLog{
		entries:  make([]*AuditEntry, capacity),
		capacity: capacity,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider.
func (l *AuditLog) SetLogger(logger core.Logger) {
	if logger == nil {
		l.logger = &core.NoOpLogger{}
	} else {
		l.logger = logger
	}
}

// SetSink mirrors future entries to a durable sink.
func (l *AuditLog) SetSink(sink AuditSink) {
	l.sink = sink
}

// Record appends an entry with redacted details and returns it.
func (l *AuditLog) Record(kind AuditKind, userID, requestID string, details map[string]interface{}) *AuditEntry {
	entry := &AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		UserID:    userID,
		RequestID: requestID,
		Kind:      kind,
		Details:   Redact(details),
	}

	l.mu.Lock()
	idx := (l.start + l.count) % l.capacity
	if l.count == l.capacity {
		l.start = (l.start + 1) % l.capacity
	} else {
		l.count++
	}
	l.entries[idx] = entry
	l.mu.Unlock()

	if l.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := l.sink.Append(ctx, entry); err != nil {
			l.logger.Warn("Audit sink append failed", map[string]interface{}{
				"operation": "audit_record",
				"entry_id":  entry.ID,
				"error":     err.Error(),
			})
		}
		cancel()
	}
	return entry
}

// Query returns entries matching the filter, newest first.
func (l *AuditLog) Query(filter AuditFilter) []*AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*AuditEntry
	for i := l.count - 1; i >= 0; i-- {
		entry := l.entries[(l.start+i)%l.capacity]
		if !entryMatches(entry, filter) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func entryMatches(e *AuditEntry, f AuditFilter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Stats aggregates counts over the retained window. SuccessRate is the
// share of tool-complete entries whose details carry success=true.
func (l *AuditLog) Stats() AuditStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := AuditStats{ByKind: make(map[AuditKind]int)}
	completed, succeeded := 0, 0
	for i := 0; i < l.count; i++ {
		entry := l.entries[(l.start+i)%l.capacity]
		stats.Total++
		stats.ByKind[entry.Kind]++
		switch entry.Kind {
		case KindSecurityWarning, KindConfirmationDenied, KindConfirmationExpired:
			stats.SecurityEvents++
		case KindToolComplete:
			completed++
			if ok, _ := entry.Details["success"].(bool); ok {
				succeeded++
			}
		}
	}
	if completed > 0 {
		stats.SuccessRate = float64(succeeded) / float64(completed)
	}
	return stats
}

// Redact returns a deep copy of details with every sensitive key's
// value replaced. Key matching is case-insensitive and applies at any
// depth, including inside arrays of objects.
func Redact(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for key, value := range details {
		if redactedKeys[strings.ToLower(key)] {
			out[key] = redactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return Redact(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

// RedisAuditSink appends entries to a capped Redis list so audits
// survive restarts and are shared across instances.
type RedisAuditSink struct {
	client  *redis.Client
	key     string
	maxKeep int64
}

// NewRedisAuditSink connects to Redis and verifies the connection.
func NewRedisAuditSink(redisURL, key string, maxKeep int64) (*RedisAuditSink, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if key == "" {
		key = "yukie:audit"
	}
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	return &RedisAuditSink{client: client, key: key, maxKeep: maxKeep}, nil
}

// Close releases the Redis connection.
func (s *RedisAuditSink) Close() error {
	return s.client.Close()
}

// Append pushes the entry and trims the list to the retention cap.
func (s *RedisAuditSink) Append(ctx context.Context, entry *AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.maxKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}
