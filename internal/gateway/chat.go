package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/provider"
)

// ChatCompletions handles POST /v1/chat/completions. Streaming requests
// bypass the arbitrage router entirely (spec.md §4.3/§9): they route to
// the single provider configured for direct streaming. Non-streaming
// requests go through arbitrage to find the cheapest eligible provider.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "messages field is required and must not be empty")
		return
	}

	if req.Stream {
		h.handleStreamingChat(w, r, tenantID, req, start)
		return
	}
	h.handleNonStreamingChat(w, r, tenantID, req, start)
}

func (h *Handler) handleNonStreamingChat(w http.ResponseWriter, r *http.Request, tenantID string, req provider.ChatRequest, start time.Time) {
	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityChatCompletions,
		TenantID:   tenantID,
		Input:      req,
		ModelHint:  req.Model,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("tenant", tenantID).Msg("arbitrage select failed")
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
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}

	usage := map[string]any{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}
	h.settle(r.Context(), tenantID, catalog.CapabilityChatCompletions, result.Provider, result.WholesaleCost, result.Charge, usage)
}

// handleStreamingChat upgrades to an SSE passthrough on the single
// direct-routed provider configured for this capability. Cost is
// accumulated to whatever point the stream reaches, including a client
// disconnect mid-stream (spec.md §4.5 step 7).
func (h *Handler) handleStreamingChat(w http.ResponseWriter, r *http.Request, tenantID string, req provider.ChatRequest, start time.Time) {
	direct, ok := h.directRoute[catalog.CapabilityChatCompletions]
	if !ok {
		h.writeErrorWithCode(w, http.StatusServiceUnavailable, "server_error", "no_provider_available", "no direct-route provider configured for streaming")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErrorWithCode(w, http.StatusInternalServerError, "server_error", "streaming_unsupported", "streaming not supported by server")
		return
	}

	stream, err := direct.ChatCompletionStream(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant", tenantID).Msg("stream open failed")
		h.writeErrorWithCode(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "upstream provider streaming error")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var bytesStreamed int
	disconnected := false
	for {
		chunk, err := stream.Next()
		if err != nil {
			if err != io.EOF {
				h.logger.Debug().Err(err).Msg("stream read error")
			}
			break
		}
		if _, writeErr := w.Write(chunk); writeErr != nil {
			disconnected = true
			break
		}
		bytesStreamed += len(chunk)
		flusher.Flush()
	}

	providerName := "direct"
	if named, ok := direct.(interface{ Name() string }); ok {
		providerName = named.Name()
	}

	// No usage field is reliably available on a partial/disconnected
	// stream; bill the minimum estimate from bytes actually delivered.
	estimatedTokens := bytesStreamed / 4

	h.logger.Info().
		Str("tenant", tenantID).
		Str("provider", providerName).
		Bool("client_disconnected", disconnected).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("stream completion finished")

	h.settle(r.Context(), tenantID, catalog.CapabilityChatCompletions, providerName, 0, estimateStreamCharge(estimatedTokens), map[string]any{"estimated_tokens": estimatedTokens, "client_disconnected": disconnected})
}
