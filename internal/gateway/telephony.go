package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/provider"
)

// defaultHangupTwiML is served at GET /v1/phone/twiml/hangup: a call
// placed without an explicit twiml document points here so Twilio has
// something to execute rather than erroring on an empty call.
const defaultHangupTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

type outboundCallRequest struct {
	To    string `json:"to"`
	From  string `json:"from"`
	Twiml string `json:"twiml"`
}

// Outbound handles POST /v1/phone/outbound. Per spec.md §4.5: if a
// webhook base URL is configured, billing is deferred to the status
// callback (actual call duration); otherwise a flat 1-minute estimate is
// billed at submission.
func (h *Handler) Outbound(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var req outboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if req.To == "" || req.From == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "to and from are required")
		return
	}
	twimlURL := req.Twiml
	if twimlURL == "" {
		twimlURL = h.webhookBaseURL + "/v1/phone/twiml/hangup"
	}
	statusCallbackURL := ""
	if h.webhookBaseURL != "" {
		statusCallbackURL = h.webhookBaseURL + "/v1/phone/outbound/status/" + tenantID
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityPhoneOutbound,
		TenantID:   tenantID,
		Input:      provider.CallInput{To: req.To, From: req.From, TwimlURL: twimlURL, StatusCallbackURL: statusCallbackURL},
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	out, _ := result.Output.(map[string]any)
	callSID, _ := out["call_sid"].(string)

	if statusCallbackURL != "" && callSID != "" && h.pendingCalls != nil {
		if putErr := h.pendingCalls.Put(r.Context(), PendingCall{
			CallSID:                  callSID,
			TenantID:                 tenantID,
			Provider:                 result.Provider,
			RatePerMinuteWholesale:   result.WholesaleCost,
			RatePerMinuteChargeCents: float64(result.Charge),
		}); putErr != nil {
			h.logger.Error().Err(putErr).Str("call_sid", callSID).Msg("failed to record pending call; billing flat estimate instead")
			h.settle(r.Context(), tenantID, catalog.CapabilityPhoneOutbound, result.Provider, result.WholesaleCost, result.Charge, nil)
		}
	} else {
		h.settle(r.Context(), tenantID, catalog.CapabilityPhoneOutbound, result.Provider, result.WholesaleCost, result.Charge, nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	_ = json.NewEncoder(w).Encode(out)
}

// OutboundStatusCallback handles POST /v1/phone/outbound/status/:tenantId,
// the provider's call-status webhook. Billing is deferred here when the
// call was placed with a status callback URL; a call must have actually
// connected (duration > 0) before it's metered.
func (h *Handler) OutboundStatusCallback(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	form, err := parseTwilioForm(r, h.twilioAuthToken)
	if err != nil {
		h.writeErrorWithCode(w, http.StatusBadRequest, "webhook_error", "invalid_signature", "twilio signature verification failed")
		return
	}

	callSID := form.Get("CallSid")
	durationSeconds := parseFloat(form.Get("CallDuration"))
	if durationSeconds <= 0 {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"handled": true, "billed": false, "reason": "call did not connect"})
		return
	}

	if h.pendingCalls == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"handled": true, "billed": false})
		return
	}

	call, found, err := h.pendingCalls.Consume(r.Context(), callSID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "server_error", "failed to settle pending call")
		return
	}
	if !found {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"handled": true, "duplicate": true})
		return
	}
	if call.TenantID != tenantID {
		h.logger.Warn().Str("call_sid", callSID).Str("expected_tenant", call.TenantID).Str("path_tenant", tenantID).Msg("tenant mismatch on status callback")
	}

	wholesaleCost, charge := call.chargeForDuration(durationSeconds / 60)
	h.settle(r.Context(), call.TenantID, catalog.CapabilityPhoneOutbound, call.Provider, wholesaleCost, charge,
		map[string]any{"duration_seconds": durationSeconds})

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"handled": true, "billed": true})
}

// InboundCall handles POST /v1/phone/inbound, the provider's inbound-call
// webhook. Inbound calls are answered with the default hangup TwiML; this
// platform's bots do not accept live inbound voice traffic.
func (h *Handler) InboundCall(w http.ResponseWriter, r *http.Request) {
	if _, err := parseTwilioForm(r, h.twilioAuthToken); err != nil {
		h.writeErrorWithCode(w, http.StatusBadRequest, "webhook_error", "invalid_signature", "twilio signature verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(defaultHangupTwiML))
}

// TwimlHangup handles GET /v1/phone/twiml/hangup, the self-hosted default
// TwiML document an outbound call falls back to when no twiml is given.
func (h *Handler) TwimlHangup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(defaultHangupTwiML))
}

// verifyTwilioSignature checks the X-Twilio-Signature header: base64
// HMAC-SHA1 over the full request URL followed by each POST param's
// key+value, sorted by key (https://www.twilio.com/docs/usage/security).
// An empty authToken skips verification (dev mode), matching the
// teacher/pack's signing-secret-optional convention.
func verifyTwilioSignature(authToken, fullURL string, form map[string][]string, signature string) bool {
	if authToken == "" {
		return true
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			buf.WriteString(k)
			buf.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(buf.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func parseTwilioForm(r *http.Request, authToken string) (url.Values, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	fullURL := requestURL(r)
	if !verifyTwilioSignature(authToken, fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return r.PostForm, nil
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func parseFloat(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%f", &f)
	return f
}
