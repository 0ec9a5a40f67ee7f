package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/provider"
)

// Embeddings handles POST /v1/embeddings.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityEmbeddings,
		TenantID:   tenantID,
		Input:      req,
		ModelHint:  req.Model,
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	resp, ok := result.Output.(provider.EmbeddingsResponse)
	if !ok {
		h.writeErrorWithCode(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "unexpected provider response shape")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	_ = json.NewEncoder(w).Encode(resp)

	h.settle(r.Context(), tenantID, catalog.CapabilityEmbeddings, result.Provider, result.WholesaleCost, result.Charge,
		map[string]any{"prompt_tokens": resp.Usage.PromptTokens})
}

// Completions handles POST /v1/completions, the legacy non-chat text
// completion capability; it reuses ChatRequest/ChatResponse shaped as a
// single user message.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var body struct {
		Model     string `json:"model"`
		Prompt    string `json:"prompt"`
		MaxTokens *int   `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}

	req := provider.ChatRequest{
		Model:     body.Model,
		Messages:  []provider.ChatMessage{{Role: "user", Content: body.Prompt}},
		MaxTokens: body.MaxTokens,
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityCompletions,
		TenantID:   tenantID,
		Input:      req,
		ModelHint:  req.Model,
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	resp, ok := result.Output.(provider.ChatResponse)
	if !ok {
		h.writeErrorWithCode(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "unexpected provider response shape")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	w.Header().Set("X-Wopr-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	_ = json.NewEncoder(w).Encode(resp)

	h.settle(r.Context(), tenantID, catalog.CapabilityCompletions, result.Provider, result.WholesaleCost, result.Charge,
		map[string]any{"prompt_tokens": resp.Usage.PromptTokens, "completion_tokens": resp.Usage.CompletionTokens})
}
