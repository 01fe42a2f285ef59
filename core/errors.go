package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). These are generic and
// are usually wrapped with additional context by a RouterError.
var (
	// Service and tool errors
	ErrServiceNotFound = errors.New("service not found")
	ErrServiceDisabled = errors.New("service disabled")
	ErrToolNotFound    = errors.New("tool not found")
	ErrManifestExpired = errors.New("manifest expired")

	// Authentication and authorization errors
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTokenExpired    = errors.New("token expired")
	ErrMissingScope    = errors.New("missing required scope")
	ErrRateLimited     = errors.New("rate limited")

	// Planning and execution errors
	ErrNoCandidates         = errors.New("no candidate services match")
	ErrPlanInvalid          = errors.New("plan validation failed")
	ErrCircularDependency   = errors.New("circular dependency in plan")
	ErrSecurityBlocked      = errors.New("blocked by input sanitizer")
	ErrConfirmationDenied   = errors.New("confirmation denied")
	ErrConfirmationExpired  = errors.New("confirmation expired")
	ErrConfirmationNotFound = errors.New("confirmation not found")

	// Upstream model API errors
	ErrLLMRateLimited = errors.New("llm rate limited")
	ErrLLMAuth        = errors.New("llm authentication failed")
	ErrLLMOverloaded  = errors.New("llm overloaded")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// RouterError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type RouterError struct {
	Op      string // Operation that failed (e.g., "registry.FetchActions")
	Kind    string // Error kind (e.g., "registry", "planner", "security")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *RouterError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *RouterError) Unwrap() error {
	return e.Err
}

// NewRouterError creates a new RouterError.
func NewRouterError(op, kind string, err error) *RouterError {
	return &RouterError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable reports whether an error is a transient network or
// availability issue that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound reports whether an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrToolNotFound)
}

// IsAuthError reports whether an error should surface as 401/403.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrMissingScope)
}
