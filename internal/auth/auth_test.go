package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/config"
)

func testMiddleware() *Middleware {
	cfg := &config.Config{
		LegacyToken: "legacy-secret",
		TenantTokens: []config.TenantToken{
			{Tenant: "acme", Scope: config.ScopeWrite, Secret: "acme-secret"},
			{Tenant: "globex", Scope: config.ScopeRead, Secret: "globex-secret"},
		},
	}
	return New(zerolog.Nop(), cfg)
}

func serveWithAuth(m *Middleware, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.Handler(next).ServeHTTP(rec, req)
	return rec
}

func TestHandlerRejectsMissingAuthorization(t *testing.T) {
	m := testMiddleware()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := serveWithAuth(m, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerRejectsUnknownToken(t *testing.T) {
	m := testMiddleware()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := serveWithAuth(m, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerResolvesTenantToken(t *testing.T) {
	m := testMiddleware()
	var gotTenant string
	var gotScope config.TokenScope
	rec := httptest.NewRecorder()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantFromContext(r.Context())
		gotScope, _ = ScopeFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer acme-secret")
	m.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotTenant != "acme" {
		t.Fatalf("tenant = %q, want acme", gotTenant)
	}
	if gotScope != config.ScopeWrite {
		t.Fatalf("scope = %q, want write", gotScope)
	}
}

func TestHandlerAcceptsLegacyTokenAsAdminScope(t *testing.T) {
	m := testMiddleware()
	var gotScope config.TokenScope
	var hadTenant bool
	rec := httptest.NewRecorder()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope, _ = ScopeFromContext(r.Context())
		_, hadTenant = TenantFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer legacy-secret")
	m.Handler(next).ServeHTTP(rec, req)

	if gotScope != config.ScopeAdmin {
		t.Fatalf("scope = %q, want admin", gotScope)
	}
	if hadTenant {
		t.Fatal("legacy token should not resolve a tenant id")
	}
}

func TestRequireScopeRejectsBelowMinimum(t *testing.T) {
	m := testMiddleware()
	rec := httptest.NewRecorder()
	next := RequireScope(config.ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer globex-secret")
	m.Handler(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (read scope below admin minimum)", rec.Code)
	}
}

func TestRequireScopeAllowsAtOrAboveMinimum(t *testing.T) {
	m := testMiddleware()
	rec := httptest.NewRecorder()
	next := RequireScope(config.ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer acme-secret")
	m.Handler(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (write scope meets write minimum)", rec.Code)
	}
}
