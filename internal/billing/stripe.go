package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// stripeAPIBase is Stripe's REST endpoint. Overridable in tests.
var stripeAPIBase = "https://api.stripe.com/v1"

// StripeClient is a minimal hand-rolled REST client over Stripe's
// checkout/portal/setup-intent/payment-method surfaces. No vendor SDK is
// imported — the same convention internal/webhook.StripeProcessor
// documents (no example in the retrieval pack pulls in stripe-go) —
// built the same way vault.Client's readSecret hand-rolls its own HTTP
// call with retries (internal/vault/vault.go): form-encoded POST,
// bearer-auth header, a shared decode-or-error helper.
type StripeClient struct {
	secretKey string
	http      *http.Client
}

// NewStripeClient builds a StripeClient. secretKey is STRIPE_SECRET_KEY;
// an empty key means Stripe calls are not configured (callers should
// respond 503 service_unavailable per spec.md §7).
func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{secretKey: secretKey, http: &http.Client{Timeout: 15 * time.Second}}
}

// Enabled reports whether a secret key is configured.
func (c *StripeClient) Enabled() bool { return c.secretKey != "" }

type stripeError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *StripeClient) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stripeAPIBase+"/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("stripe: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stripe: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stripe: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var stripeErr stripeError
		if json.Unmarshal(body, &stripeErr) == nil && stripeErr.Error.Message != "" {
			return fmt.Errorf("stripe: %s (%s)", stripeErr.Error.Message, stripeErr.Error.Type)
		}
		return fmt.Errorf("stripe: request failed with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stripe: decode response: %w", err)
	}
	return nil
}

// CheckoutSession is the subset of Stripe's checkout.Session this
// platform needs: where to redirect the browser.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession opens a one-time payment checkout session for
// amountCents, tagging it with clientReferenceID (the tenant id the
// webhook later credits — spec.md §4.6).
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, amountCents int64, clientReferenceID, successURL, cancelURL string) (CheckoutSession, error) {
	form := url.Values{
		"mode":                                           {"payment"},
		"client_reference_id":                            {clientReferenceID},
		"success_url":                                     {successURL},
		"cancel_url":                                      {cancelURL},
		"line_items[0][price_data][currency]":             {"usd"},
		"line_items[0][price_data][unit_amount]":          {strconv.FormatInt(amountCents, 10)},
		"line_items[0][price_data][product_data][name]":   {"Platform credits"},
		"line_items[0][quantity]":                         {"1"},
	}
	var session CheckoutSession
	if err := c.post(ctx, "checkout/sessions", form, &session); err != nil {
		return CheckoutSession{}, err
	}
	return session, nil
}

// PortalSession is the subset of Stripe's billing_portal.Session this
// platform needs.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePortalSession opens a customer-portal session for an existing
// Stripe customer.
func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (PortalSession, error) {
	form := url.Values{
		"customer":   {customerID},
		"return_url": {returnURL},
	}
	var session PortalSession
	if err := c.post(ctx, "billing_portal/sessions", form, &session); err != nil {
		return PortalSession{}, err
	}
	return session, nil
}

// Customer is the subset of Stripe's Customer object this platform needs.
type Customer struct {
	ID string `json:"id"`
}

// CreateCustomer mints a new Stripe customer, used the first time a
// tenant needs a portal/setup-intent session and has no
// processor_customer_id yet.
func (c *StripeClient) CreateCustomer(ctx context.Context, tenantID string) (Customer, error) {
	form := url.Values{"metadata[tenant_id]": {tenantID}}
	var cust Customer
	if err := c.post(ctx, "customers", form, &cust); err != nil {
		return Customer{}, err
	}
	return cust, nil
}

// SetupIntent is the subset of Stripe's SetupIntent object this platform
// needs to hand a client_secret to the frontend for card collection.
type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// CreateSetupIntent begins saved-payment-method setup for customerID.
func (c *StripeClient) CreateSetupIntent(ctx context.Context, customerID string) (SetupIntent, error) {
	form := url.Values{
		"customer":            {customerID},
		"usage":               {"off_session"},
		"payment_method_types[0]": {"card"},
	}
	var intent SetupIntent
	if err := c.post(ctx, "setup_intents", form, &intent); err != nil {
		return SetupIntent{}, err
	}
	return intent, nil
}

// DetachPaymentMethod removes a saved payment method from its customer.
// Stripe's API models "detach" as a POST, not a DELETE, despite the
// DELETE verb spec.md §6 assigns this platform's own route.
func (c *StripeClient) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	return c.post(ctx, "payment_methods/"+url.PathEscape(paymentMethodID)+"/detach", url.Values{}, nil)
}
