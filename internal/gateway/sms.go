package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/provider"
)

type outboundMessageRequest struct {
	To        string   `json:"to"`
	From      string   `json:"from"`
	Body      string   `json:"body"`
	MediaURLs []string `json:"media_urls"`
}

// smsCapability distinguishes SMS from MMS per spec.md §4.5: "MMS
// distinguished by the presence of media URLs or num_media > 0, with a
// distinct capability name and margin."
func smsCapability(mediaURLs []string) catalog.Capability {
	if len(mediaURLs) > 0 {
		return catalog.CapabilityMMS
	}
	return catalog.CapabilitySMS
}

// Messages handles POST /v1/messages/sms, outbound SMS/MMS.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var req outboundMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if req.To == "" || req.From == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "to and from are required")
		return
	}

	capability := smsCapability(req.MediaURLs)
	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: capability,
		TenantID:   tenantID,
		Input:      provider.SMSInput{To: req.To, From: req.From, Body: req.Body, MediaURLs: req.MediaURLs},
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	_ = json.NewEncoder(w).Encode(result.Output)

	h.settle(r.Context(), tenantID, capability, result.Provider, result.WholesaleCost, result.Charge, nil)
}

// MessagesInbound handles POST /v1/messages/sms/inbound, the provider's
// inbound SMS/MMS webhook. Inbound messages are acknowledged but not
// relayed anywhere by this platform; routing an inbound message to the
// owning bot is out of gateway scope.
func (h *Handler) MessagesInbound(w http.ResponseWriter, r *http.Request) {
	form, err := parseTwilioForm(r, h.twilioAuthToken)
	if err != nil {
		h.writeErrorWithCode(w, http.StatusBadRequest, "webhook_error", "invalid_signature", "twilio signature verification failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"handled":   true,
		"from":      form.Get("From"),
		"num_media": form.Get("NumMedia"),
	})
}

// MessagesStatus handles POST /v1/messages/sms/status, the delivery
// status callback. SMS/MMS is metered once at submission (spec.md
// §4.5), so this is an acknowledgement only.
func (h *Handler) MessagesStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := parseTwilioForm(r, h.twilioAuthToken); err != nil {
		h.writeErrorWithCode(w, http.StatusBadRequest, "webhook_error", "invalid_signature", "twilio signature verification failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"handled": true})
}
