package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yukie-ai/yukie/core"
)

// tokenClaims is the expected bearer payload: {sub, scopes, iat, exp}.
type tokenClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HMAC-SHA256 bearer tokens and derives the
// per-request auth context.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier over the process secret.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required: %w", core.ErrMissingConfiguration)
	}
	return &TokenVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates a token, returning the auth context. The
// error message distinguishes the rejection reasons callers surface to
// clients: bad segment count, bad signature, expired.
func (v *TokenVerifier) Verify(token string) (*Context, error) {
	if strings.Count(token, ".") != 2 {
		return nil, fmt.Errorf("token must have three segments: %w", core.ErrUnauthenticated)
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("Token expired: %w", core.ErrTokenExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("invalid token signature: %w", core.ErrUnauthenticated)
		default:
			return nil, fmt.Errorf("invalid token: %w", core.ErrUnauthenticated)
		}
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", core.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject: %w", core.ErrUnauthenticated)
	}

	return &Context{
		UserID: claims.Subject,
		Scopes: claims.Scopes,
	}, nil
}

// Issue signs a token for a user. Used by tests and provisioning tools;
// the router itself only verifies.
func (v *TokenVerifier) Issue(userID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
