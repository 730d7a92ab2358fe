// Package identity provides the gateway's per-connection authorization
// context: the set of scopes a client's handshake token grants it.
package identity

import "context"

// Scope is an authorization tag gating a method or class of methods.
type Scope string

const (
	ScopeTerminal      Scope = "terminal"
	ScopeAgent         Scope = "agent"
	ScopeCron          Scope = "cron"
	ScopeNotifications Scope = "notifications"
	ScopeAdmin         Scope = "admin"
)

// AuthContext is the set of scopes a connection is permitted to use. It is
// resolved once during the handshake (from the client's auth_token, via a
// credential store outside this package's scope — see spec.md §1) and
// carried for the lifetime of the connection.
type AuthContext struct {
	scopes map[Scope]struct{}
}

// NewAuthContext builds an AuthContext granting exactly the given scopes.
func NewAuthContext(scopes ...Scope) *AuthContext {
	ac := &AuthContext{scopes: make(map[Scope]struct{}, len(scopes))}
	for _, s := range scopes {
		ac.scopes[s] = struct{}{}
	}
	return ac
}

// AllScopes grants every known scope; used for the development/no-auth path.
func AllScopes() *AuthContext {
	return NewAuthContext(ScopeTerminal, ScopeAgent, ScopeCron, ScopeNotifications, ScopeAdmin)
}

// Allows reports whether the context grants the given scope.
func (ac *AuthContext) Allows(scope Scope) bool {
	if ac == nil {
		return false
	}
	_, ok := ac.scopes[scope]
	return ok
}

type contextKey int

const authContextKey contextKey = iota

// WithAuthContext attaches an AuthContext to ctx.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext extracts the AuthContext previously attached with
// WithAuthContext, or nil if none was attached.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey).(*AuthContext)
	return ac
}

// MethodScope is a fixed table mapping a method's namespace to the scope
// that gates it.
var MethodScope = map[string]Scope{
	"terminal":      ScopeTerminal,
	"agent":         ScopeAgent,
	"chat":          ScopeAgent,
	"cron":          ScopeCron,
	"notifications": ScopeNotifications,
	"admin":         ScopeAdmin,
}

// ScopeForMethod looks up the scope tag for a method's namespace (the part
// before the first '.'). It reports ok=false for an unrecognized namespace;
// the connection loop then requires ScopeAdmin, so a new namespace fails
// closed rather than open.
func ScopeForMethod(namespace string) (Scope, bool) {
	s, ok := MethodScope[namespace]
	return s, ok
}
