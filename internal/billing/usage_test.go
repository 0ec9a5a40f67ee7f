package billing

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseUsageFilterRejectsMalformedDate(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/billing/usage?startDate=not-a-date", nil)
	if _, err := parseUsageFilter(req, "tenant-a"); err == nil {
		t.Fatal("expected error for malformed startDate")
	}
}

func TestParseUsageFilterPassesThroughOptionalFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/billing/usage?capability=chat-completions&provider=openrouter", nil)
	filter, err := parseUsageFilter(req, "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filter.Capability != "chat-completions" || filter.Provider != "openrouter" {
		t.Fatalf("filter = %+v, want capability/provider populated", filter)
	}
}

func newUsageHandler(tenant string) *UsageHandler {
	return NewUsageHandler(nil, func(*http.Request) (string, bool) {
		if tenant == "" {
			return "", false
		}
		return tenant, true
	})
}

func TestTotalsRequiresAuth(t *testing.T) {
	h := newUsageHandler("")
	req := httptest.NewRequest(http.MethodGet, "/billing/usage", nil)
	rec := httptest.NewRecorder()
	h.Totals(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTotalsRejectsMismatchedTenantParam(t *testing.T) {
	h := newUsageHandler("tenant-a")
	req := httptest.NewRequest(http.MethodGet, "/billing/usage?tenant=tenant-b", nil)
	rec := httptest.NewRecorder()
	h.Totals(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHistoryRejectsNonPositiveLimit(t *testing.T) {
	h := newUsageHandler("tenant-a")
	req := httptest.NewRequest(http.MethodGet, "/billing/usage/history?limit=0", nil)
	rec := httptest.NewRecorder()
	h.History(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
