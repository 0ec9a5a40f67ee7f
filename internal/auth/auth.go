// Package auth implements bearer-token authentication and per-tenant
// scoping for the HTTP surface. Adapted from the teacher's
// middleware/auth.go: same Authorization-header Bearer-prefix parsing
// and context-key injection shape, generalized from a single scopeless
// API key to config.Config's FLEET_TOKEN_<tenant>=<scope>:<secret>
// multi-tenant token table plus the FLEET_API_TOKEN legacy fallback.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/config"
)

type contextKey string

const (
	tenantContextKey contextKey = "auth_tenant"
	scopeContextKey  contextKey = "auth_scope"
)

// scopeRank orders scopes so RequireScope can express "at least write".
var scopeRank = map[config.TokenScope]int{
	config.ScopeRead:  1,
	config.ScopeWrite: 2,
	config.ScopeAdmin: 3,
}

// Middleware validates the Authorization header on every request and
// injects the resolved tenant and scope into the request context.
type Middleware struct {
	logger zerolog.Logger
	tokens map[string]config.TenantToken // secret -> token
	legacy string
}

// New builds a Middleware from the loaded tenant token table.
func New(logger zerolog.Logger, cfg *config.Config) *Middleware {
	tokens := make(map[string]config.TenantToken, len(cfg.TenantTokens))
	for _, t := range cfg.TenantTokens {
		tokens[t.Secret] = t
	}
	return &Middleware{logger: logger, tokens: tokens, legacy: cfg.LegacyToken}
}

// Handler wraps next, rejecting requests without a valid bearer token.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, "missing or malformed Authorization header")
			return
		}

		if tenantToken, ok := m.lookupTenantToken(token); ok {
			ctx := context.WithValue(r.Context(), tenantContextKey, tenantToken.Tenant)
			ctx = context.WithValue(ctx, scopeContextKey, tenantToken.Scope)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if m.legacy != "" && constantTimeEqual(token, m.legacy) {
			ctx := context.WithValue(r.Context(), scopeContextKey, config.ScopeAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		m.logger.Warn().Str("path", r.URL.Path).Msg("rejected request with invalid bearer token")
		writeAuthError(w, "invalid bearer token")
	})
}

// RequireScope returns middleware that additionally rejects requests
// whose resolved scope is below min.
func RequireScope(min config.TokenScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, ok := ScopeFromContext(r.Context())
			if !ok || scopeRank[scope] < scopeRank[min] {
				writeAuthError(w, "insufficient scope for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) lookupTenantToken(token string) (config.TenantToken, bool) {
	for secret, t := range m.tokens {
		if constantTimeEqual(token, secret) {
			return t, true
		}
	}
	return config.TenantToken{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TenantFromContext returns the authenticated tenant id, if the request
// authenticated with a scoped tenant token rather than the legacy token.
func TenantFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantContextKey).(string)
	return v, ok
}

// ScopeFromContext returns the authenticated scope.
func ScopeFromContext(ctx context.Context) (config.TokenScope, bool) {
	v, ok := ctx.Value(scopeContextKey).(config.TokenScope)
	return v, ok
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": "auth_error", "message": message},
	})
}
