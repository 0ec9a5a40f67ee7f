// Package gateway implements the metered AI/telephony proxy: budget gate,
// credit check, arbitrage or direct routing, meter emission, and ledger
// debit. Handlers share the skeleton from the teacher's ProxyHandler
// (handleNonStreamingChat/handleStreamingChat split, X-Wopr-* response
// headers in place of the teacher's X-Alfred-*), generalized across every
// capability this platform meters instead of just chat completions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/budget"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/ledger"
	"github.com/wopr-network/fleet/internal/money"
	"github.com/wopr-network/fleet/internal/provider"
	"github.com/wopr-network/fleet/internal/telemetry"
)

// TenantFromContext resolves the authenticated tenant ID. Set by auth
// middleware before the request reaches a Handler.
type TenantFromContext func(ctx context.Context) (tenantID string, ok bool)

// MeterEvent is the record emitted after every metered call (spec.md
// §4.5 step 8), queued to a non-blocking in-process channel so that meter
// and debit failures never fail the upstream response.
type MeterEvent struct {
	TenantID      string
	Capability    catalog.Capability
	Provider      string
	WholesaleCost float64
	Charge        money.Cents
	Timestamp     time.Time
	Usage         map[string]any
}

// MeterSink receives meter events for async persistence.
type MeterSink interface {
	Emit(event MeterEvent)
}

// ExhaustionHook is invoked when a debit crosses a tenant's balance
// through zero.
type ExhaustionHook func(ctx context.Context, tenantID string)

// Handler is the shared proxy skeleton every capability handler embeds.
type Handler struct {
	logger          zerolog.Logger
	budget          *budget.Checker
	ledger          *ledger.Ledger
	router          *arbitrage.Router
	meter           MeterSink
	tenantFrom      TenantFromContext
	directRoute     map[catalog.Capability]provider.ChatProvider // used for stream=true, bypassing arbitrage
	webhookBaseURL  string
	twilioAuthToken string
	pendingCalls    PendingCallStore
	phoneNumbers    PhoneNumberStore
}

// New builds the shared gateway Handler.
func New(logger zerolog.Logger, checker *budget.Checker, l *ledger.Ledger, router *arbitrage.Router, meter MeterSink, tenantFrom TenantFromContext, directRoute map[catalog.Capability]provider.ChatProvider) *Handler {
	return &Handler{
		logger:      logger,
		budget:      checker,
		ledger:      l,
		router:      router,
		meter:       meter,
		tenantFrom:  tenantFrom,
		directRoute: directRoute,
	}
}

// WithTelephony attaches the webhook base URL, Twilio auth token (used to
// verify status/inbound callback signatures), and pending-call tracker
// needed by the telephony handlers. Optional: a Handler built without it
// always flat-bills outbound calls at submission.
func (h *Handler) WithTelephony(webhookBaseURL, twilioAuthToken string, pendingCalls PendingCallStore) *Handler {
	h.webhookBaseURL = webhookBaseURL
	h.twilioAuthToken = twilioAuthToken
	h.pendingCalls = pendingCalls
	return h
}

// WithPhoneNumbers attaches the phone-number lease store used by the
// /v1/phone/numbers lifecycle handlers.
func (h *Handler) WithPhoneNumbers(store PhoneNumberStore) *Handler {
	h.phoneNumbers = store
	return h
}

// preflight runs steps 1-3 of spec.md §4.5: resolve tenant, budget check,
// free-balance check. Returns false and has already written the mapped
// error response if the request should stop here.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) (tenantID string, ok bool) {
	tenantID, found := h.tenantFrom(r.Context())
	if !found {
		h.writeError(w, http.StatusUnauthorized, "auth_error", "no tenant resolved from request")
		return "", false
	}

	result, err := h.budget.Check(r.Context(), tenantID)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant", tenantID).Msg("budget check failed")
		h.writeError(w, http.StatusInternalServerError, "server_error", "budget check failed")
		return "", false
	}
	if !result.Allowed {
		h.writeBillingError(w, result.Reason)
		return "", false
	}
	return tenantID, true
}

// buyUrl is the dashboard route the client should send a denied tenant to
// top up credits (spec.md §8 scenario 2).
const buyUrl = "/dashboard/credits"

// writeBillingError writes the canonical billing_error response for a
// denied budget.Result, carrying the buyUrl pointer spec.md §7 requires.
func (h *Handler) writeBillingError(w http.ResponseWriter, reason budget.Reason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reason.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": "billing_error", "code": string(reason)},
		"buyUrl": buyUrl,
	})
}

// settle runs steps 8-9 of spec.md §4.5: emit the meter event and debit
// the ledger. Failure here is logged but never propagated to the caller —
// the upstream response has already been decided.
func (h *Handler) settle(ctx context.Context, tenantID string, capability catalog.Capability, providerName string, wholesaleCost float64, charge money.Cents, usage map[string]any) {
	if h.meter != nil {
		h.meter.Emit(MeterEvent{
			TenantID:      tenantID,
			Capability:    capability,
			Provider:      providerName,
			WholesaleCost: wholesaleCost,
			Charge:        charge,
			Timestamp:     time.Now(),
			Usage:         usage,
		})
	}
	telemetry.MeterEventsTotal.WithLabelValues(string(capability), providerName).Inc()

	externalRef := fmt.Sprintf("%s:%s:%d", capability, providerName, time.Now().UnixNano())
	if _, err := h.ledger.Debit(ctx, tenantID, charge, ledger.KindDebit, externalRef); err != nil {
		h.logger.Error().Err(err).Str("tenant", tenantID).Str("capability", string(capability)).Msg("ledger debit failed; continuing, response already decided")
	}
}

// streamingOutputRatePer1K is the blended per-1K-output-token charge
// (wholesale × default margin) applied to streamed chat completions,
// where no per-provider catalog entry is consulted because the stream
// bypasses arbitrage entirely.
const streamingOutputRatePer1K = 0.013

// estimateStreamCharge prices a partial or complete streaming response
// from its estimated output token count.
func estimateStreamCharge(estimatedTokens int) money.Cents {
	return money.FromDollars(float64(estimatedTokens) / 1000.0 * streamingOutputRatePer1K)
}

// writeError writes the canonical {error:{type,message}} wire shape every
// other package in this tree uses (e.g. internal/billing, internal/fleet).
// errType must be one of the canonical kinds from spec.md §7
// (invalid_request_error, auth_error, billing_error, server_error,
// quota_error); use writeBillingError for billing_error responses, which
// additionally carry a buyUrl pointer.
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": errType, "message": message},
	})
}

// mapProviderError translates a transport/arbitrage error into the
// response spec.md §4.5's error-mapping table calls for. Both cases are
// server_error per spec.md §7 (503 service_unavailable / 502 upstream
// mapped), distinguished by the code field.
func (h *Handler) mapProviderError(w http.ResponseWriter, err error) {
	switch {
	case err == arbitrage.ErrNoProviderAvailable:
		h.writeErrorWithCode(w, http.StatusServiceUnavailable, "server_error", "no_provider_available", "no eligible provider could serve this request")
	default:
		h.writeErrorWithCode(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "upstream provider error")
	}
}

// writeErrorWithCode is writeError plus a machine-readable code field,
// matching internal/fleet's quota_error shape.
func (h *Handler) writeErrorWithCode(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": errType, "code": code, "message": message},
	})
}
