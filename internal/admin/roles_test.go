package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPutRoleRequiresBody(t *testing.T) {
	h := NewHandler(nil, func(*http.Request) (string, bool) { return "", false })
	router := chi.NewRouter()
	router.Put("/api/admin/roles/{tenantId}/{userId}", h.PutRole)

	req := httptest.NewRequest(http.MethodPut, "/api/admin/roles/acme/user-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing role", rec.Code)
	}
}

func TestPutRolePlatformAdminRequiresCaller(t *testing.T) {
	h := NewHandler(nil, func(*http.Request) (string, bool) { return "", false })
	router := chi.NewRouter()
	router.Put("/api/admin/roles/{tenantId}/{userId}", h.PutRole)

	req := httptest.NewRequest(http.MethodPut, "/api/admin/roles/acme/user-1",
		strings.NewReader(`{"role":"platform_admin"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 when no caller identity present", rec.Code)
	}
}

func TestGrantPlatformAdminRequiresCaller(t *testing.T) {
	// callerFrom resolves no identity, so the handler rejects the request
	// with 401 before it would consult the (nil) store for platform-admin
	// privilege.
	h := NewHandler(nil, func(*http.Request) (string, bool) { return "", false })
	req := httptest.NewRequest(http.MethodPost, "/api/admin/platform-admins", strings.NewReader(`{"userId":"user-2"}`))
	rec := httptest.NewRecorder()
	h.GrantPlatformAdmin(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// Integration tests below require a live Postgres instance reachable via
// DATABASE_URL with the fleet schema migrated, matching the rest of the
// pack's integration suites (internal/ledger/ledger_test.go).
func newIntegrationStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_ADMIN_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_ADMIN_INTEGRATION=1 to run against a live Postgres")
	}
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return NewStore(pool), pool
}

func TestIntegrationGrantIsIdempotent(t *testing.T) {
	s, pool := newIntegrationStore(t)
	defer pool.Close()
	ctx := context.Background()

	if err := s.Grant(ctx, "acme", "user-1", "tenant_admin"); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if err := s.Grant(ctx, "acme", "user-1", "tenant_admin"); err != nil {
		t.Fatalf("second grant: %v", err)
	}
	roles, err := s.ListForTenant(ctx, "acme", "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("len(roles) = %d, want 1 (idempotent grant)", len(roles))
	}
}

func TestIntegrationLastPlatformAdminCannotBeRevoked(t *testing.T) {
	s, pool := newIntegrationStore(t)
	defer pool.Close()
	ctx := context.Background()

	if err := s.Grant(ctx, PlatformTenantID, "sole-admin", RolePlatformAdmin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	count, err := s.CountPlatformAdmins(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Skip("fixture expects exactly one platform admin; seed data has drifted")
	}
	if err := s.Revoke(ctx, PlatformTenantID, "sole-admin", RolePlatformAdmin); err != ErrLastPlatformAdmin {
		t.Fatalf("expected ErrLastPlatformAdmin, got %v", err)
	}
}
