// Package auth implements bearer-token verification and per-user rate
// limiting for the HTTP surface.
package auth

// Context is the per-request authentication context derived from a
// verified bearer token.
type Context struct {
	UserID           string   `json:"userId"`
	Scopes           []string `json:"scopes"`
	RequestID        string   `json:"requestId,omitempty"`
	UTCOffsetMinutes int      `json:"utcOffsetMinutes,omitempty"`
}

// AdminScope grants every other scope.
const AdminScope = "yukie:admin"

// HasScope reports whether the context grants a scope. The admin scope is
// a wildcard.
func (c *Context) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope || s == AdminScope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every scope in the list is granted.
func (c *Context) HasAllScopes(scopes []string) (bool, string) {
	for _, scope := range scopes {
		if !c.HasScope(scope) {
			return false, scope
		}
	}
	return true, ""
}
