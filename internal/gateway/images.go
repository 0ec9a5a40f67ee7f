package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
)

// ImagesGenerations handles POST /v1/images/generations.
func (h *Handler) ImagesGenerations(w http.ResponseWriter, r *http.Request) {
	h.generateMedia(w, r, catalog.CapabilityImages)
}

// VideoGenerations handles POST /v1/video/generations.
func (h *Handler) VideoGenerations(w http.ResponseWriter, r *http.Request) {
	h.generateMedia(w, r, catalog.CapabilityVideo)
}

// generateMedia is shared by images and video generation: both take a
// prompt, route through arbitrage to the cheapest eligible adapter, and
// return a list of output URLs.
func (h *Handler) generateMedia(w http.ResponseWriter, r *http.Request, capability catalog.Capability) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if body.Prompt == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
		return
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: capability,
		TenantID:   tenantID,
		Input:      body.Prompt,
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": result.Output})

	h.settle(r.Context(), tenantID, capability, result.Provider, result.WholesaleCost, result.Charge, nil)
}
