package billing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newDisabledCheckoutHandler(tenant string) *CheckoutHandler {
	return NewCheckoutHandler(NewStripeClient(""), nil, func(*http.Request) (string, bool) {
		if tenant == "" {
			return "", false
		}
		return tenant, true
	}, "https://example.test/success", "https://example.test/cancel", "https://example.test/return")
}

func TestCreateCheckoutRequiresStripeConfigured(t *testing.T) {
	h := newDisabledCheckoutHandler("tenant-a")
	req := httptest.NewRequest(http.MethodPost, "/billing/credits/checkout", strings.NewReader(`{"amountCents":1000}`))
	rec := httptest.NewRecorder()
	h.CreateCheckout(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCreateCheckoutRequiresAuthWhenStripeConfigured(t *testing.T) {
	h := NewCheckoutHandler(NewStripeClient("sk_test_fake"), nil, func(*http.Request) (string, bool) { return "", false },
		"https://example.test/success", "https://example.test/cancel", "https://example.test/return")
	req := httptest.NewRequest(http.MethodPost, "/billing/credits/checkout", strings.NewReader(`{"amountCents":1000}`))
	rec := httptest.NewRecorder()
	h.CreateCheckout(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDetachPaymentMethodRejectsMismatchedTenant(t *testing.T) {
	h := NewCheckoutHandler(NewStripeClient("sk_test_fake"), nil, func(*http.Request) (string, bool) { return "tenant-a", true },
		"https://example.test/success", "https://example.test/cancel", "https://example.test/return")
	req := httptest.NewRequest(http.MethodDelete, "/billing/payment-methods/pm_123?tenant=tenant-b", nil)
	rec := httptest.NewRecorder()
	h.DetachPaymentMethod(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestStripeClientReportsDisabledViaEnabled(t *testing.T) {
	c := NewStripeClient("")
	if c.Enabled() {
		t.Fatal("expected Enabled() to be false for an empty secret key")
	}
}
