package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/orchestration"
)

type contextKey string

const (
	ctxKeyAuth      contextKey = "yukie.auth"
	ctxKeyRequestID contextKey = "yukie.requestId"
)

func authFromContext(ctx context.Context) *auth.Context {
	if v, ok := ctx.Value(ctxKeyAuth).(*auth.Context); ok {
		return v
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// requestID attaches the inbound X-Yukie-Request-Id or generates one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Yukie-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Yukie-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// recoverPanic converts an unhandled panic into a generic 500 with
// stage "unknown".
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in request handler", map[string]interface{}{
					"operation":  "recover",
					"panic":      fmt.Sprintf("%v", rec),
					"path":       r.URL.Path,
					"request_id": requestIDFromContext(r.Context()),
				})
				writeError(w, http.StatusInternalServerError, "internal_error",
					"internal server error", orchestration.StageUnknown, "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Yukie-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the bearer token and stores the auth context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token", "", "")
			return
		}

		authCtx, err := s.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			message := "invalid token"
			if errors.Is(err, core.ErrTokenExpired) {
				message = "Token expired"
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", message, "", "")
			return
		}
		authCtx.RequestID = requestIDFromContext(r.Context())

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAuth, authCtx)))
	})
}

// requireScope rejects requests whose auth context lacks the scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := authFromContext(r.Context())
			if !authCtx.HasScope(scope) {
				writeError(w, http.StatusForbidden, "forbidden",
					fmt.Sprintf("missing required scope %s", scope), "", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit enforces the per-user bucket and sets the X-RateLimit
// headers on every response.
func (s *Server) rateLimit(bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := authFromContext(r.Context())
			decision := s.limiter.Allow(authCtx.UserID, bucket)

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			if !decision.Allowed {
				// Retry-After is delta-seconds, not an epoch.
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", "", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
