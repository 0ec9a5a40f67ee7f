package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CheckoutHandler serves the Stripe-backed billing surface spec.md §6
// lists alongside affiliate codes: credit checkout, customer portal,
// setup-intent, and payment-method detach. Modeled on AffiliateHandler's
// shape (same file's convention): a TenantFromContext-resolved caller, a
// thin JSON request/response pair per route.
type CheckoutHandler struct {
	stripe     *StripeClient
	tenants    *TenantStore
	tenantFrom TenantFromContext
	successURL string
	cancelURL  string
	returnURL  string
}

// NewCheckoutHandler builds a CheckoutHandler. successURL/cancelURL are
// the checkout redirect targets; returnURL is where the customer portal
// sends the tenant back.
func NewCheckoutHandler(stripe *StripeClient, tenants *TenantStore, tenantFrom TenantFromContext, successURL, cancelURL, returnURL string) *CheckoutHandler {
	return &CheckoutHandler{stripe: stripe, tenants: tenants, tenantFrom: tenantFrom, successURL: successURL, cancelURL: cancelURL, returnURL: returnURL}
}

func (h *CheckoutHandler) requireStripe(w http.ResponseWriter) bool {
	if !h.stripe.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "server_error", "payment processor not configured")
		return false
	}
	return true
}

// customerIDFor returns tenantID's Stripe customer id, minting one via
// Stripe and persisting it if this is the tenant's first payment-related
// call.
func (h *CheckoutHandler) customerIDFor(r *http.Request, tenantID string) (string, error) {
	tenant, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		return "", err
	}
	if tenant.ProcessorCustomerID != "" {
		return tenant.ProcessorCustomerID, nil
	}
	customer, err := h.stripe.CreateCustomer(r.Context(), tenantID)
	if err != nil {
		return "", err
	}
	if err := h.tenants.SetProcessorCustomerID(r.Context(), tenantID, customer.ID); err != nil {
		return "", err
	}
	return customer.ID, nil
}

type checkoutRequest struct {
	AmountCents int64 `json:"amountCents"`
}

// CreateCheckout handles POST /billing/credits/checkout.
func (h *CheckoutHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.requireStripe(w) {
		return
	}
	tenantID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	var body checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AmountCents <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "amountCents must be a positive integer")
		return
	}

	session, err := h.stripe.CreateCheckoutSession(r.Context(), body.AmountCents, tenantID, h.successURL, h.cancelURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, "server_error", "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CreatePortal handles POST /billing/portal.
func (h *CheckoutHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	if !h.requireStripe(w) {
		return
	}
	tenantID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	customerID, err := h.customerIDFor(r, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant not registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "server_error", "failed to resolve payment customer")
		return
	}

	session, err := h.stripe.CreatePortalSession(r.Context(), customerID, h.returnURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, "server_error", "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CreateSetupIntent handles POST /billing/setup-intent.
func (h *CheckoutHandler) CreateSetupIntent(w http.ResponseWriter, r *http.Request) {
	if !h.requireStripe(w) {
		return
	}
	tenantID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	customerID, err := h.customerIDFor(r, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant not registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "server_error", "failed to resolve payment customer")
		return
	}

	intent, err := h.stripe.CreateSetupIntent(r.Context(), customerID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "server_error", "failed to create setup intent")
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// DetachPaymentMethod handles DELETE /billing/payment-methods/:id?tenant=X.
// The tenant query parameter is checked against the authenticated bearer
// identity so one tenant's token can't detach another's payment method.
func (h *CheckoutHandler) DetachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	if !h.requireStripe(w) {
		return
	}
	callerTenant, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}
	tenantParam := r.URL.Query().Get("tenant")
	if tenantParam == "" || tenantParam != callerTenant {
		writeError(w, http.StatusForbidden, "auth_error", "tenant does not match authenticated caller")
		return
	}

	paymentMethodID := chi.URLParam(r, "id")
	if err := h.stripe.DetachPaymentMethod(r.Context(), paymentMethodID); err != nil {
		writeError(w, http.StatusBadGateway, "server_error", "failed to detach payment method")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
